// Package monitoring holds the process-wide diagnostic logger and the
// prometheus collectors shared by the mapping pipeline.
package monitoring

import (
	"fmt"
	"log"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Component returns a logger that prefixes every line with "[kind 'name']",
// matching the bracketed prefixes used across the mapping packages.
func Component(kind, name string) func(format string, v ...interface{}) {
	prefix := fmt.Sprintf("[%s '%s'] ", kind, name)
	if name == "" {
		prefix = fmt.Sprintf("[%s] ", kind)
	}
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
