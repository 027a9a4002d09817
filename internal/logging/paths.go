package logging

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the service's default data directory.
// RAGSVC_DATA_DIR overrides; otherwise ~/.ragsvc.
func DefaultDataDir() string {
	if dir := os.Getenv("RAGSVC_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragsvc"
	}
	return filepath.Join(home, ".ragsvc")
}

// DefaultLogPath returns the default service log file path.
func DefaultLogPath() string {
	return filepath.Join(DefaultDataDir(), "logs", "service.log")
}
