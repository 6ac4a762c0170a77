// Package monitoring holds the process-wide diagnostic logger shared by the
// control loop, the sensor reader and the HTTP surface.
package monitoring

import "log"

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

// Componentf returns a logger that prefixes each line with component. The
// current Logf is looked up on every call, so SetLogger applies to loggers
// created earlier.
func Componentf(component string) func(format string, v ...interface{}) {
	prefix := component + ": "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
