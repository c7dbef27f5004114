// Package buildinfo carries the engine's release stamp. Version,
// Commit and Date are injected at link time via -ldflags; unstamped
// binaries report a dev build.
package buildinfo

import (
	"fmt"
	"log"
	"runtime"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary including the Go runtime.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", Version, Commit, Date, runtime.Version())
}

// Log writes the build summary prefixed with the service name.
func Log(service string) {
	log.Printf("[%s] build %s", service, Info())
}
