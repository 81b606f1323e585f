package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the CLI configuration. Flags override file values.
type Config struct {
	Account  string   `toml:"account"`
	Database string   `toml:"database"`
	PoolSize int      `toml:"pool_size"`
	Drives   []string `toml:"drives"`
}

func defaultConfig() Config {
	return Config{
		Account:  "account.json",
		Database: "bernard.db",
		PoolSize: 4,
	}
}

// readConfig loads the TOML config file when path is set, returning defaults
// otherwise.
func readConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}
