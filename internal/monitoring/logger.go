// Package monitoring holds the diagnostic logger shared by the recorder,
// sensor adapters and storage code.
package monitoring

import "log"

// Logf defaults to log.Printf. Tests replace it through SetLogger to capture
// or silence output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. A nil logger discards everything.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Component returns a logger that tags every line with "[name] " and reads
// Logf at call time, so a later SetLogger still takes effect.
func Component(name string) func(format string, v ...interface{}) {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
