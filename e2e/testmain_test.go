//go:build e2e

package e2e

import (
	"os"
	"testing"

	"github.com/thesyncim/tsat/pkg/tsat"
)

func TestMain(m *testing.M) {
	if os.Getenv("TSAT_E2E_LOGS") == "" {
		tsat.SetLogger(nil)
	}
	os.Exit(m.Run())
}
