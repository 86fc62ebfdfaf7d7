// Package appdir locates the edgeguard data directory, which holds the
// SQLite request log, the blocklist file and the optional config file.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the data directory.
	DirEnv = "EDGEGUARD_DIR"

	// ConfigFileName is the default config file inside the data directory.
	ConfigFileName = "edgeguard.yaml"

	// DatabaseFileName is the SQLite database used by the sqlite store driver.
	DatabaseFileName = "edgeguard.db"

	// BlocklistFileName is the plain-text blocklist watched by serve.
	BlocklistFileName = "blocklist.txt"

	// LogsDirName holds the rotated application and access logs.
	LogsDirName = "logs"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the data directory path, resolved in this order:
//  1. EDGEGUARD_DIR
//  2. macOS: ~/Library/Application Support/edgeguard
//  3. Windows: %APPDATA%\edgeguard
//  4. elsewhere: $XDG_DATA_HOME/edgeguard or ~/.local/share/edgeguard
//
// It does not create the directory; see EnsureDir.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "edgeguard"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "edgeguard"), nil
	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "edgeguard"), nil
	}
}

// EnsureDir creates the data directory and its logs subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, LogsDirName), 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return nil
}

func join(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ConfigPath returns the default config file path.
func ConfigPath() (string, error) { return join(ConfigFileName) }

// DatabasePath returns the SQLite database path.
func DatabasePath() (string, error) { return join(DatabaseFileName) }

// BlocklistPath returns the watched blocklist file path.
func BlocklistPath() (string, error) { return join(BlocklistFileName) }

// LogsDir returns the directory for rotated logs.
func LogsDir() (string, error) { return join(LogsDirName) }

// ResetCache clears the cached directory path. Used by tests.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
