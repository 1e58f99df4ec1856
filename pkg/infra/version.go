package infra

import (
	"fmt"
	"runtime"
)

const (
	programName = "txflow"
)

var (
	Version   = "0.1.0"
	CommitSHA = "development build"
	Built     = "Unknown"
)

// GetVersionInfo return version information
func GetVersionInfo() string {
	return fmt.Sprintf(
		"%s:\n Version: %s\n Go version: %s\n Git commit: %s\n Built: %s\n OS/Arch: %s\n",
		programName,
		Version,
		runtime.Version(),
		CommitSHA,
		Built,
		fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	)
}
