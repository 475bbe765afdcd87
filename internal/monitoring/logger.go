package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Debugf carries high-rate estimator diagnostics (per-observation rejections,
// gating decisions). It is a no-op unless enabled with SetDebugLogger.
var Debugf func(format string, v ...interface{}) = func(string, ...interface{}) {}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebugLogger enables or replaces the debug logger. Passing nil disables it.
func SetDebugLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Debugf = func(string, ...interface{}) {}
		return
	}
	Debugf = f
}
