// Package config loads tool-level settings: target host, logging,
// concurrency and the global defaults layer merged under every stack.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved tool configuration. Stack definitions never
// live here; Defaults is the only bridge, a partial stack mapping
// merged below every stack file.
type Config struct {
	Host        string         `mapstructure:"host"`
	LogLevel    string         `mapstructure:"log_level"`
	BaseDir     string         `mapstructure:"base_dir"`
	Parallel    int            `mapstructure:"parallel"`
	FailFast    bool           `mapstructure:"fail_fast"`
	Wait        bool           `mapstructure:"wait"`
	WaitTimeout time.Duration  `mapstructure:"wait_timeout"`
	Defaults    map[string]any `mapstructure:"defaults"`
}

// Load reads configuration from an explicit file, or from the usual
// search path when path is empty. Environment variables with the
// DOCKHAND_ prefix override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetDefault("parallel", 4)
	v.SetDefault("fail_fast", false)
	v.SetDefault("wait", true)
	v.SetDefault("wait_timeout", "30s")

	v.SetEnvPrefix("DOCKHAND")
	for _, key := range []string{"host", "log_level", "base_dir", "parallel", "fail_fast", "wait", "wait_timeout"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("dockhand")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/dockhand")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Parallel < 1 {
		return nil, fmt.Errorf("config: parallel must be at least 1, got %d", cfg.Parallel)
	}
	if cfg.WaitTimeout <= 0 {
		return nil, fmt.Errorf("config: wait_timeout must be positive, got %s", cfg.WaitTimeout)
	}
	return &cfg, nil
}
