package state

// debugLog is the package debug logger. No-op unless SetDebugLog installs one.
var debugLog = func(format string, args ...any) {}

// SetDebugLog sets the debug logging function for the state package.
func SetDebugLog(fn func(format string, args ...any)) {
	if fn != nil {
		debugLog = fn
	}
}
