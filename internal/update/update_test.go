package update

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestIsNewerVersion(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.2.0", "1.1.9", true},
		{"v1.10.0", "1.9.0", true},
		{"1.0.0", "1.0.0", false},
		{"0.9.0", "1.0.0", false},
		{"1.0.0", "1.0.0-rc.1", true},
		{"1.0.0-rc.1", "1.0.0", false},
		{"garbage", "1.0.0", false},
		{"1.0.0", "dev", false},
	}
	for _, tt := range tests {
		if got := isNewerVersion(tt.a, tt.b); got != tt.want {
			t.Errorf("isNewerVersion(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestIsDevBuild(t *testing.T) {
	for _, v := range []string{"", "dev", "v", "not-a-version"} {
		if !isDevBuild(v) {
			t.Errorf("isDevBuild(%q) = false, want true", v)
		}
	}
	for _, v := range []string{"0.3.1", "v1.0.0"} {
		if isDevBuild(v) {
			t.Errorf("isDevBuild(%q) = true, want false", v)
		}
	}
}

func TestMethodForPath(t *testing.T) {
	tests := []struct {
		path string
		want InstallMethod
	}{
		{"/opt/homebrew/Cellar/patchloop/0.3.0/bin/patchloop", InstallHomebrew},
		{"/usr/local/Cellar/patchloop/0.3.0/bin/patchloop", InstallHomebrew},
		{"/home/linuxbrew/.linuxbrew/bin/patchloop", InstallHomebrew},
		{"/home/me/go/bin/patchloop", InstallScript},
		{"/usr/local/bin/patchloop", InstallScript},
	}
	for _, tt := range tests {
		if got := methodForPath(tt.path); got != tt.want {
			t.Errorf("methodForPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestInstructions(t *testing.T) {
	if got := Instructions(InstallHomebrew); !strings.Contains(got, "brew upgrade pengelbrecht/tap/patchloop") {
		t.Errorf("homebrew instructions = %q", got)
	}
	if got := Instructions(InstallScript); !strings.HasPrefix(got, "Run: patchloop upgrade") {
		t.Errorf("script instructions = %q", got)
	}
	if got := Instructions(InstallUnknown); got != "Run: patchloop upgrade" {
		t.Errorf("unknown instructions = %q", got)
	}
}

func TestNotice(t *testing.T) {
	got := notice("0.1.0", "0.2.0", InstallScript)
	want := "Update available: 0.1.0 -> 0.2.0 (run: patchloop upgrade)"
	if got != want {
		t.Errorf("notice = %q, want %q", got, want)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if loadCache() != nil {
		t.Fatal("expected no cache")
	}
	saveCache(&cache{LastCheck: time.Now(), LatestVersion: "v0.4.0", UpdateAvailable: true})

	c := loadCache()
	if c == nil {
		t.Fatal("expected cache")
	}
	if c.LatestVersion != "v0.4.0" || !c.UpdateAvailable {
		t.Errorf("cache = %+v", c)
	}
	if _, err := os.Stat(filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "patchloop", "update-cache.json")); err != nil {
		t.Errorf("cache file: %v", err)
	}
}

func TestCheckPeriodically_UsesFreshCache(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	saveCache(&cache{LastCheck: time.Now(), LatestVersion: "v0.4.0", UpdateAvailable: true})

	got := CheckPeriodically(context.Background(), "0.3.0")
	if !strings.Contains(got, "0.3.0 -> v0.4.0") {
		t.Errorf("notice = %q", got)
	}

	// Upgraded since the cache was written.
	if got := CheckPeriodically(context.Background(), "0.4.0"); got != "" {
		t.Errorf("notice after upgrade = %q, want empty", got)
	}
}

func TestCheckPeriodically_DevBuild(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if got := CheckPeriodically(context.Background(), "dev"); got != "" {
		t.Errorf("notice = %q, want empty", got)
	}
	if loadCache() != nil {
		t.Error("dev builds should not write the cache")
	}
}

func TestCheckForUpdate_DevBuild(t *testing.T) {
	release, ok, err := CheckForUpdate(context.Background(), "dev")
	if release != nil || ok || err != nil {
		t.Errorf("CheckForUpdate(dev) = %v, %v, %v", release, ok, err)
	}
}
