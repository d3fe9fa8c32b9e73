// Package autoconfig provides zero-configuration discovery of the daemon's
// authentication cookie and a platform-appropriate local data directory for
// vanguard's own state file. It does not discover the control port.
package autoconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// GetDefaultDataDir returns the platform-appropriate data directory for vanguard's own state.
// On Unix: ~/.config/vanguard
// On Windows: %APPDATA%/vanguard
// On macOS: ~/Library/Application Support/vanguard
func GetDefaultDataDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		baseDir := os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = os.Getenv("USERPROFILE")
			if baseDir == "" {
				return "", fmt.Errorf("cannot determine Windows user directory")
			}
			baseDir = filepath.Join(baseDir, "AppData", "Roaming")
		}
		return filepath.Join(baseDir, "vanguard"), nil

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(homeDir, "Library", "Application Support", "vanguard"), nil

	default:
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("cannot determine home directory: %w", err)
			}
			configDir = filepath.Join(homeDir, ".config")
		}
		return filepath.Join(configDir, "vanguard"), nil
	}
}

// EnsureDataDir creates path if it doesn't exist and enforces 0700
// permissions on Unix, matching the state file's own 0600 requirement
// (spec §4.C "Persistence").
func EnsureDataDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", path)
		}
		if runtime.GOOS != "windows" {
			if mode := info.Mode().Perm(); mode != 0o700 {
				if err := os.Chmod(path, 0o700); err != nil {
					return fmt.Errorf("failed to set directory permissions: %w", err)
				}
			}
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check directory: %w", err)
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

// defaultCookiePaths lists the conventional locations of a Tor daemon's
// control_auth_cookie file, checked in order.
var defaultCookiePaths = []string{
	"/run/tor/control.authcookie",
	"/var/run/tor/control.authcookie",
	"/var/lib/tor/control_auth_cookie",
}

// FindControlCookie searches the conventional cookie locations (and, if
// dataDir is non-empty, dataDir/control_auth_cookie) and returns the first
// one that exists and is readable. Returns an error if none are found; the
// caller falls back to a configured password or prompts on stderr per the
// error-handling design's authentication-failure behavior.
func FindControlCookie(dataDir string) (string, error) {
	candidates := make([]string, 0, len(defaultCookiePaths)+1)
	if dataDir != "" {
		candidates = append(candidates, filepath.Join(dataDir, "control_auth_cookie"))
	}
	candidates = append(candidates, defaultCookiePaths...)

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no control auth cookie found in %v", candidates)
}

// CleanupTempFiles removes leftover atomic-write temp files from a previous
// crashed run of the state writer (spec §4.C "Persistence" / S6).
func CleanupTempFiles(dataDir string) error {
	patterns := []string{"*.tmp", "*.tmp.*"}

	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dataDir, pattern))
		if err != nil {
			return fmt.Errorf("failed to search for temp files: %w", err)
		}
		for _, match := range matches {
			if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
				continue
			}
		}
	}
	return nil
}
