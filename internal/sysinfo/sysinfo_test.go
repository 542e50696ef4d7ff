package sysinfo

import (
	"os"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestVersion(t *testing.T) {
	t.Logf("Version: %s", Version)

	if Version == "dev" {
		t.Error("Version should not be plain 'dev' - enhanceDevVersion should have been called")
	}

	validFormats := []string{
		"dev-", // dev-abc1234, dev-abc1234-dirty, dev-20060102-150405
		"v",    // v1.0.0
	}

	hasValidFormat := false
	for _, prefix := range validFormats {
		if strings.HasPrefix(Version, prefix) {
			hasValidFormat = true
			break
		}
	}

	if !hasValidFormat {
		t.Errorf("Version %q has unexpected format", Version)
	}
}

func TestEnhanceDevVersion(t *testing.T) {
	version := enhanceDevVersion()

	if !strings.HasPrefix(version, "dev-") {
		t.Errorf("Enhanced version %q should start with 'dev-'", version)
	}
	if strings.TrimPrefix(version, "dev-") == "" {
		t.Error("Enhanced version should have content after 'dev-'")
	}
}

func TestCollect(t *testing.T) {
	info := Collect()

	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q", info.GoVersion)
	}
	if info.OS != runtime.GOOS || info.Arch != runtime.GOARCH {
		t.Errorf("platform = %s/%s", info.OS, info.Arch)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if !info.StartTime.Equal(StartTime()) {
		t.Error("StartTime mismatch")
	}
}

func TestUptime(t *testing.T) {
	if StartTime().IsZero() {
		t.Fatal("start time not initialized")
	}
	if StartTime().After(time.Now()) {
		t.Error("start time is in the future")
	}
	if Uptime() < 0 {
		t.Error("uptime is negative")
	}
}
