package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.gsindex/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".gsindex", "logs")
	}
	return filepath.Join(home, ".gsindex", "logs")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "gsindex.log")
}
