package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/harun/agentloop/pkg/errs"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file
func (l *Loader) Load() (*File, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, errs.New(errs.TypeConfig, "cannot determine config path")
	}

	// Missing file means defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return Default(), nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// Read environment variables
	v.SetEnvPrefix("AGENTLOOP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errs.Wrap(errs.TypeConfig, "failed to read config file", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errs.Wrap(errs.TypeConfig, "failed to unmarshal config", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errs.Wrap(errs.TypeConfig, "failed to get home directory", err)
		}
		cfg.DataDir = filepath.Join(home, ".agentloop")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "agentloop.log")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentloop", "agentloop.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*File, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
