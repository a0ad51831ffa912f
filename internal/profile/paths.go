package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.pigeon.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pigeon")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// DBPath returns the profile's document-store database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "pigeon.db")
}

// CacheDir returns the attachment cache directory for a profile.
func CacheDir(name string) string {
	return filepath.Join(Dir(name), "cache")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "pigeond.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// InstallIDPath returns the file holding this installation's stable id,
// used to key device-token records so token rotation updates in place.
func InstallIDPath(name string) string {
	return filepath.Join(Dir(name), "install_id")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		CacheDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
