// Package update checks GitHub releases for newer patchloop builds and
// replaces the running binary.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/creativeprojects/go-selfupdate"
)

const (
	repoOwner     = "pengelbrecht"
	repoName      = "patchloop"
	checkInterval = 24 * time.Hour
	checkTimeout  = 5 * time.Second
)

// cache is the result of the last release check.
type cache struct {
	LastCheck       time.Time `json:"last_check"`
	LatestVersion   string    `json:"latest_version,omitempty"`
	UpdateAvailable bool      `json:"update_available"`
}

func cacheDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, repoName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", repoName)
}

func cachePath() string {
	dir := cacheDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "update-cache.json")
}

func loadCache() *cache {
	path := cachePath()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var c cache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}
	return &c
}

func saveCache(c *cache) {
	path := cachePath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}

// InstallMethod is how the binary was installed.
type InstallMethod int

const (
	InstallUnknown InstallMethod = iota
	InstallHomebrew
	// InstallScript covers the install script and go install.
	InstallScript
)

func (m InstallMethod) String() string {
	switch m {
	case InstallHomebrew:
		return "homebrew"
	case InstallScript:
		return "script"
	default:
		return "unknown"
	}
}

// DetectInstallMethod inspects the resolved executable path.
func DetectInstallMethod() InstallMethod {
	exe, err := os.Executable()
	if err != nil {
		return InstallUnknown
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return InstallUnknown
	}
	return methodForPath(exe)
}

func methodForPath(exe string) InstallMethod {
	if strings.Contains(exe, "/Cellar/") ||
		strings.HasPrefix(exe, "/opt/homebrew/") ||
		strings.HasPrefix(exe, "/usr/local/Homebrew/") ||
		strings.Contains(exe, "linuxbrew") {
		return InstallHomebrew
	}
	return InstallScript
}

// Release describes a published release.
type Release struct {
	Version    string
	ReleaseURL string
}

// isDevBuild reports versions that are never compared against releases.
func isDevBuild(version string) bool {
	v := strings.TrimPrefix(version, "v")
	if v == "" || v == "dev" {
		return true
	}
	_, err := semver.NewVersion(v)
	return err != nil
}

// isNewerVersion reports whether a is a higher semantic version than b.
// Unparseable versions are never newer.
func isNewerVersion(a, b string) bool {
	va, err := semver.NewVersion(strings.TrimPrefix(a, "v"))
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(strings.TrimPrefix(b, "v"))
	if err != nil {
		return false
	}
	return va.GreaterThan(vb)
}

func latestRelease(ctx context.Context) (*selfupdate.Updater, *selfupdate.Release, bool, error) {
	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to create GitHub source: %w", err)
	}
	updater, err := selfupdate.NewUpdater(selfupdate.Config{Source: source})
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to create updater: %w", err)
	}
	latest, found, err := updater.DetectLatest(ctx, selfupdate.NewRepositorySlug(repoOwner, repoName))
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to detect latest version: %w", err)
	}
	return updater, latest, found, nil
}

// CheckForUpdate looks up the latest release and reports whether it is
// newer than currentVersion.
func CheckForUpdate(ctx context.Context, currentVersion string) (*Release, bool, error) {
	if isDevBuild(currentVersion) {
		return nil, false, nil
	}
	_, latest, found, err := latestRelease(ctx)
	if err != nil || !found {
		return nil, false, err
	}
	release := &Release{Version: latest.Version(), ReleaseURL: latest.URL}
	return release, isNewerVersion(latest.Version(), currentVersion), nil
}

// Update installs the latest release over the running binary. Homebrew
// installs are refused.
func Update(ctx context.Context, currentVersion string) (string, error) {
	if DetectInstallMethod() == InstallHomebrew {
		return "", fmt.Errorf("patchloop was installed via Homebrew. Please run: brew upgrade %s/tap/%s", repoOwner, repoName)
	}
	if isDevBuild(currentVersion) {
		return "", fmt.Errorf("cannot update dev builds")
	}

	updater, latest, found, err := latestRelease(ctx)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no releases found")
	}
	if !isNewerVersion(latest.Version(), currentVersion) {
		return "", fmt.Errorf("already at latest version (%s)", currentVersion)
	}

	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return "", fmt.Errorf("failed to update: %w", err)
	}
	return latest.Version(), nil
}

// Instructions tells the user how to upgrade for the given install method.
func Instructions(method InstallMethod) string {
	switch method {
	case InstallHomebrew:
		return fmt.Sprintf("Run: brew upgrade %s/tap/%s", repoOwner, repoName)
	case InstallScript:
		if runtime.GOOS == "windows" {
			return "Run: patchloop upgrade\nOr reinstall: go install github.com/pengelbrecht/patchloop/cmd/patchloop@latest"
		}
		return "Run: patchloop upgrade\nOr reinstall: curl -fsSL https://raw.githubusercontent.com/pengelbrecht/patchloop/main/scripts/install.sh | sh"
	default:
		return "Run: patchloop upgrade"
	}
}

// CheckPeriodically returns an update notice at most once a day, using a
// cached result in between. It returns "" when up to date or on error.
func CheckPeriodically(ctx context.Context, currentVersion string) string {
	if isDevBuild(currentVersion) {
		return ""
	}

	if c := loadCache(); c != nil && time.Since(c.LastCheck) < checkInterval {
		// The user may have upgraded since the cache was written.
		if c.UpdateAvailable && isNewerVersion(c.LatestVersion, currentVersion) {
			return notice(currentVersion, c.LatestVersion, DetectInstallMethod())
		}
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	release, hasUpdate, err := CheckForUpdate(ctx, currentVersion)

	c := &cache{LastCheck: time.Now(), UpdateAvailable: hasUpdate && err == nil}
	if release != nil {
		c.LatestVersion = release.Version
	}
	saveCache(c)

	if err != nil || !hasUpdate {
		return ""
	}
	return notice(currentVersion, release.Version, DetectInstallMethod())
}

func notice(current, latest string, method InstallMethod) string {
	cmd := "patchloop upgrade"
	if method == InstallHomebrew {
		cmd = fmt.Sprintf("brew upgrade %s/tap/%s", repoOwner, repoName)
	}
	return fmt.Sprintf("Update available: %s -> %s (run: %s)", current, latest, cmd)
}
