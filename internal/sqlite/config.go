package sqlite

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Path string `yaml:"path"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

func (c Config) Merge(override Config) Config {
	result := c
	if strings.TrimSpace(override.Path) != "" {
		result.Path = strings.TrimSpace(override.Path)
	}
	if override.MaxOpenConns > 0 {
		result.MaxOpenConns = override.MaxOpenConns
	}
	if override.MaxIdleConns > 0 {
		result.MaxIdleConns = override.MaxIdleConns
	}
	if override.ConnMaxLifetime > 0 {
		result.ConnMaxLifetime = override.ConnMaxLifetime
	}
	if override.ConnMaxIdleTime > 0 {
		result.ConnMaxIdleTime = override.ConnMaxIdleTime
	}
	if override.BusyTimeout > 0 {
		result.BusyTimeout = override.BusyTimeout
	}
	return result
}

func (c *Config) applyDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 15 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
}

// ConfigFromEnv reads the SQLITE_* variables. Unset variables leave the
// corresponding field zero so the result can be merged over file settings.
func ConfigFromEnv() (Config, error) {
	cfg := Config{Path: strings.TrimSpace(os.Getenv("SQLITE_PATH"))}
	ints := []struct {
		name string
		dst  *int
	}{
		{"SQLITE_MAX_OPEN_CONNS", &cfg.MaxOpenConns},
		{"SQLITE_MAX_IDLE_CONNS", &cfg.MaxIdleConns},
	}
	for _, item := range ints {
		if value := strings.TrimSpace(os.Getenv(item.name)); value != "" {
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", item.name, err)
			}
			*item.dst = n
		}
	}
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"SQLITE_CONN_MAX_LIFETIME", &cfg.ConnMaxLifetime},
		{"SQLITE_CONN_MAX_IDLE_TIME", &cfg.ConnMaxIdleTime},
		{"SQLITE_BUSY_TIMEOUT", &cfg.BusyTimeout},
	}
	for _, item := range durations {
		if value := strings.TrimSpace(os.Getenv(item.name)); value != "" {
			d, err := time.ParseDuration(value)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", item.name, err)
			}
			*item.dst = d
		}
	}
	return cfg, nil
}
