package vector

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ChromaConfig points the index at a ChromaDB server instead of the local
// directory store. It is enabled when Host is set.
type ChromaConfig struct {
	Host       string        `yaml:"host"`
	Port       string        `yaml:"port"`
	Scheme     string        `yaml:"scheme"`
	Collection string        `yaml:"collection"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`

	HTTPMaxIdleConns    int           `yaml:"http_max_idle_conns"`
	HTTPMaxIdlePerHost  int           `yaml:"http_max_idle_per_host"`
	HTTPIdleConnTimeout time.Duration `yaml:"http_idle_conn_timeout"`
}

func (c ChromaConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

func (c ChromaConfig) Merge(override ChromaConfig) ChromaConfig {
	result := c
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&result.Host, override.Host)
	set(&result.Port, override.Port)
	set(&result.Scheme, override.Scheme)
	set(&result.Collection, override.Collection)
	set(&result.APIKey, override.APIKey)
	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	if override.HTTPMaxIdleConns > 0 {
		result.HTTPMaxIdleConns = override.HTTPMaxIdleConns
	}
	if override.HTTPMaxIdlePerHost > 0 {
		result.HTTPMaxIdlePerHost = override.HTTPMaxIdlePerHost
	}
	if override.HTTPIdleConnTimeout > 0 {
		result.HTTPIdleConnTimeout = override.HTTPIdleConnTimeout
	}
	return result
}

func (c *ChromaConfig) applyDefaults() {
	if strings.TrimSpace(c.Port) == "" {
		c.Port = "8000"
	}
	if strings.TrimSpace(c.Scheme) == "" {
		c.Scheme = "http"
	}
	if strings.TrimSpace(c.Collection) == "" {
		c.Collection = "patient_journeys"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HTTPMaxIdleConns <= 0 {
		c.HTTPMaxIdleConns = 16
	}
	if c.HTTPMaxIdlePerHost <= 0 {
		c.HTTPMaxIdlePerHost = 8
	}
	if c.HTTPIdleConnTimeout <= 0 {
		c.HTTPIdleConnTimeout = 90 * time.Second
	}
}

// ChromaConfigFromEnv reads the CHROMADB_* variables.
func ChromaConfigFromEnv() (ChromaConfig, error) {
	cfg := ChromaConfig{
		Host:       os.Getenv("CHROMADB_HOST"),
		Port:       os.Getenv("CHROMADB_PORT"),
		Scheme:     os.Getenv("CHROMADB_SCHEME"),
		Collection: os.Getenv("CHROMADB_COLLECTION"),
		APIKey:     os.Getenv("CHROMADB_API_KEY"),
	}
	if value := strings.TrimSpace(os.Getenv("CHROMADB_TIMEOUT")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return ChromaConfig{}, fmt.Errorf("parse CHROMADB_TIMEOUT: %w", err)
		}
		cfg.Timeout = dur
	}
	if value := strings.TrimSpace(os.Getenv("CHROMADB_HTTP_MAX_IDLE_CONNS")); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return ChromaConfig{}, fmt.Errorf("parse CHROMADB_HTTP_MAX_IDLE_CONNS: %w", err)
		}
		cfg.HTTPMaxIdleConns = n
	}
	if value := strings.TrimSpace(os.Getenv("CHROMADB_HTTP_MAX_IDLE_PER_HOST")); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return ChromaConfig{}, fmt.Errorf("parse CHROMADB_HTTP_MAX_IDLE_PER_HOST: %w", err)
		}
		cfg.HTTPMaxIdlePerHost = n
	}
	if value := strings.TrimSpace(os.Getenv("CHROMADB_HTTP_IDLE_CONN_TIMEOUT")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return ChromaConfig{}, fmt.Errorf("parse CHROMADB_HTTP_IDLE_CONN_TIMEOUT: %w", err)
		}
		cfg.HTTPIdleConnTimeout = dur
	}
	return cfg, nil
}
