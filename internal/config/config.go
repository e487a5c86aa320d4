// Package config loads the optional defaults file applied to flags the
// user did not set on the command line.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional remote configuration file.
type Config struct {
	Transfer TransferConfig `toml:"transfer"`
}

// TransferConfig holds persistent defaults for the transfer command.
// Pointers distinguish "unset" from zero values.
type TransferConfig struct {
	Parallel  *int    `toml:"parallel"`
	Aria2     *bool   `toml:"aria2"`
	Resume    *bool   `toml:"resume"`
	LimitRate *string `toml:"limit_rate"`
	Preserve  *bool   `toml:"preserve"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "remote", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
