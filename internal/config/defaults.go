package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/chanstore/
//   - Linux:   $XDG_DATA_HOME/chanstore/ or ~/.local/share/chanstore/
//   - Windows: %APPDATA%\chanstore\
func PlatformDataDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "chanstore")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "chanstore")
		}
		return filepath.Join(home, "AppData", "Roaming", "chanstore")
	case "linux":
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "chanstore")
		}
		return filepath.Join(home, ".local", "share", "chanstore")
	default:
		return filepath.Join(home, ".chanstore")
	}
}

// FindConfigFile returns the first config file found in the working
// directory or the data directory, or "" if there is none.
func FindConfigFile() string {
	for _, dir := range []string{".", DataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "chanstore"+ext)
			if dir != "." {
				path = filepath.Join(dir, "config"+ext)
			}
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
