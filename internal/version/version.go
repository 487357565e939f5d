package version

import (
	"fmt"
	"runtime"
)

// Build information. Populated at build-time via ldflags:
//
//	-X github.com/yo8192/octo2influx/internal/version.Version=v1.2.0
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns version information
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
	}
}

// String is the one-line form printed by --version
func String(program string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s)", program, Version, GitCommit, BuildDate, runtime.Version())
}
