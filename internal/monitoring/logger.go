// Package monitoring holds the diagnostic logger shared by the exploration
// loops. Every component logs through Logf with a bracketed tag so a single
// stream can be filtered per loop.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests mute it to keep tick-heavy output quiet.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Tagged returns a printf-style logger that prefixes every line with
// "[tag] " and forwards to whatever Logf is at call time, so SetLogger
// still applies to loggers created before it was called.
func Tagged(tag string) func(format string, v ...interface{}) {
	prefix := "[" + tag + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
