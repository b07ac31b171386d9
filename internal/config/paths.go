package config

import (
	"os"
	"path/filepath"
)

// ScribedPath returns the scribed home directory: $SCRIBED_PATH or ~/.scribed.
func ScribedPath() string {
	if p := os.Getenv("SCRIBED_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".scribed"
	}
	return filepath.Join(home, ".scribed")
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(ScribedPath(), "config.jsonc")
}

// DataPath returns the default data directory.
func DataPath() string {
	return filepath.Join(ScribedPath(), "data")
}
