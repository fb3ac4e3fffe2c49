// Package monitoring holds the pipeline's diagnostic logger and the report of
// recoverable conditions (degenerate partitions, singular regressions, chain
// gaps) collected while a run progresses.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests mute it; the CLI may redirect it to a file.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Componentf returns a logger that prefixes every line with "[component] ".
// The returned func reads Logf on each call so SetLogger still takes effect.
func Componentf(component string) func(format string, v ...interface{}) {
	prefix := "[" + component + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
