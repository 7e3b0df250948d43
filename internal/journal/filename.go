package journal

import "runtime"

// DefaultBasename returns the conventional journal filename for the running
// platform. Windows gets the historical uppercase name; every other platform
// gets the POSIX dot-file name.
func DefaultBasename() string {
	switch runtime.GOOS {
	case "windows":
		return "CONJURY.JNL"
	default:
		return ".conjury-journal"
	}
}
