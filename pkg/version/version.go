// Package version carries build metadata injected through -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time, for example:
//
//	go build -ldflags "-X github.com/nextstep/nextstep/pkg/version.Version=v1.0.0"
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns the build metadata as log-friendly key/value pairs.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
		"go_version": GoVersion,
	}
}

// String renders a one-line summary.
func String() string {
	return fmt.Sprintf("nextstep %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}
