package config

import (
	"os"
	"path/filepath"
)

const defaultBaseDir = ".textdesk"

// Paths holds resolved filesystem paths for textdesk data.
type Paths struct {
	Base   string // ~/.textdesk
	Config string // ~/.textdesk/config.yaml
	Data   string // ~/.textdesk/data
	Logs   string // ~/.textdesk/logs
}

// ResolvePaths computes all standard paths from the home directory.
// If TEXTDESK_HOME is set, it overrides the default base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("TEXTDESK_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	return Paths{
		Base:   base,
		Config: filepath.Join(base, "config.yaml"),
		Data:   filepath.Join(base, "data"),
		Logs:   filepath.Join(base, "logs"),
	}, nil
}

// EnsureDirs creates all standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.Base, p.Data, p.Logs} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath returns the configured SQLite path, defaulting to the
// standard data directory.
func (p Paths) DatabasePath(cfg StorageConfig) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	return filepath.Join(p.Data, "textdesk.db")
}
