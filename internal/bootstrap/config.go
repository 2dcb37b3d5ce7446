package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"ordercore/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation: the
// store's parent directory must exist and be writable before the engine
// starts, so a misconfigured path fails at startup rather than on the first
// order's transaction.
func checkPreFlight(cfg *Config) error {
	dir := filepath.Dir(cfg.Store.Path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("store directory does not exist: %s", dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("store path parent is not a directory: %s", dir)
	}
	probe, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return fmt.Errorf("store directory is not writable: %s: %w", dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}
