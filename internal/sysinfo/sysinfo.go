// Package sysinfo reports build and runtime information about the relay.
package sysinfo

import (
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// Version is the relay version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/dgram-relay/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	// startTime is when the process started.
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// Info describes the running relay.
type Info struct {
	Version   string    `json:"version"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
}

// Collect gathers the local build and runtime information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Hostname:  hostname,
		PID:       os.Getpid(),
		StartTime: startTime,
	}
}

// enhanceDevVersion appends the VCS revision recorded by the Go toolchain,
// or the start timestamp when the binary carries none.
func enhanceDevVersion() string {
	var revision string
	var dirty bool

	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
	}

	if revision == "" {
		return "dev-" + startTime.UTC().Format("20060102-150405")
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if dirty {
		return "dev-" + revision + "-dirty"
	}
	return "dev-" + revision
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startTime)
}
