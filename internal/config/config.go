// Package config loads the daemon configuration from a file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the stewardd daemon.
type Config struct {
	// Store selects the persistence backend: memory, sqlite, or postgres.
	Store struct {
		Driver string `mapstructure:"driver"`
		// Path is the database file for the sqlite driver.
		Path string `mapstructure:"path"`
		// DSN is the connection string for the postgres driver.
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	// Bus selects the message bus: memory or redis.
	Bus struct {
		Driver string `mapstructure:"driver"`
		Addr   string `mapstructure:"addr"`
		DB     int    `mapstructure:"db"`
	} `mapstructure:"bus"`

	Dispatch struct {
		// Strategy is first_available, round_robin, or least_loaded.
		Strategy     string `mapstructure:"strategy"`
		AgentCeiling int    `mapstructure:"agent_ceiling"`
	} `mapstructure:"dispatch"`

	Monitor struct {
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		StuckAfter    time.Duration `mapstructure:"stuck_after"`
		Retention     time.Duration `mapstructure:"retention"`
	} `mapstructure:"monitor"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// Load reads the configuration file and environment overrides
// (STEWARD_STORE_DRIVER and friends). A missing file is not an error;
// defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("stewardd")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/steward")
	}
	v.SetEnvPrefix("steward")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "steward.db")
	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.addr", "localhost:6379")
	v.SetDefault("dispatch.strategy", "first_available")
	v.SetDefault("dispatch.agent_ceiling", 5)
	v.SetDefault("monitor.sweep_interval", time.Minute)
	v.SetDefault("monitor.stuck_after", 10*time.Minute)
	v.SetDefault("monitor.retention", 7*24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Bus.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}
	switch c.Dispatch.Strategy {
	case "first_available", "round_robin", "least_loaded":
	default:
		return fmt.Errorf("unknown dispatch strategy %q", c.Dispatch.Strategy)
	}
	return nil
}
