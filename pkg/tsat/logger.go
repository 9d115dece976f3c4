package tsat

import "log"

// Logf is the package-level diagnostic logger used by tsat and its
// sub-packages. It defaults to log.Printf.
var Logf func(format string, v ...any) = log.Printf

// SetLogger replaces the package logger. Passing nil mutes logging.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		Logf = func(string, ...any) {}
		return
	}
	Logf = f
}
