package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"exit_engine/internal/config"
)

// Config aliases the project configuration struct.
type Config = config.Config

// LoadConfig reads and validates the config file, then applies pre-flight
// checks that go beyond schema validation.
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

// checkPreFlight verifies the environment the config points at actually
// works: resolvable timezone, writable storage directory, a usable
// encryption key.
func checkPreFlight(cfg *Config) error {
	if cfg.Engine.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Engine.Timezone); err != nil {
			return fmt.Errorf("engine timezone %q: %w", cfg.Engine.Timezone, err)
		}
	}

	if cfg.Storage.Path != "" && cfg.Storage.Path != ":memory:" {
		dir := filepath.Dir(cfg.Storage.Path)
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("storage directory does not exist: %s", dir)
			}
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("storage path parent is not a directory: %s", dir)
		}
	}

	if cfg.Encryption.Key == "" && os.Getenv("ENCRYPTION_KEY") == "" {
		return fmt.Errorf("no encryption key: set encryption.key or ENCRYPTION_KEY")
	}

	if _, ok := cfg.Brokers[cfg.App.DefaultBroker]; !ok && cfg.App.DefaultBroker != "mock" {
		return fmt.Errorf("default broker %q has no brokers section", cfg.App.DefaultBroker)
	}

	return nil
}
