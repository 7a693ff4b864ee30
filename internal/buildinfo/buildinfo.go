// Package buildinfo holds version and build metadata stamped at compile
// time via ldflags. The name and version are advertised to tool servers
// as clientInfo during the initialize handshake.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Name is the client identity sent in the handshake.
const Name = "toolbridge"

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime info as a map for `toolbridge version -o json`.
func Info() map[string]string {
	return map[string]string{
		"name":       Name,
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// ClientInfo returns the clientInfo object for the initialize request.
func ClientInfo() map[string]any {
	return map[string]any{
		"name":    Name,
		"version": Version,
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("%s %s (%s) built %s", Name, Version, GitCommit, BuildTime)
}
