// Package version reports the build of the running binary.
package version

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X github.com/chronologos/rollnet/internal/version.VERSION=0.1.0 -X github.com/chronologos/rollnet/internal/version.Commit=abc123" ./cmd/rollnet
var (
	VERSION = "dev"
	Commit  = "dev"
)

// String formats the version for display.
func String() string {
	return "rollnet " + VERSION + " (" + Commit + ")"
}
