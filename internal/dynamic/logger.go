package dynamic

// debugLog is the package debug logger. It is a no-op unless the host
// process installs one via SetDebugLog.
var debugLog = func(format string, args ...any) {}

// SetDebugLog installs the debug logger for this package.
func SetDebugLog(fn func(format string, args ...any)) {
	if fn != nil {
		debugLog = fn
	}
}
