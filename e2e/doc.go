//go:build e2e

// Package e2e provides end-to-end tests for the tsat service.
//
// These tests are isolated from the standard test suite via build tags.
// They bind real UDP and TCP sockets on the loopback interface and write
// SQLite databases to temporary directories.
//
// Running E2E tests:
//
//	go test -tags=e2e ./e2e/...
//
// Running all tests except E2E:
//
//	go test ./...
//
// Each test assembles its own pipeline (telemetry listener, estimator
// registry, store and API server) on random ports, so tests can run in
// parallel.
//
// Set TSAT_E2E_LOGS=1 to see service logs.
package e2e
