package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/llm"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/projection"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/sqlite"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/vector"
)

// Config is everything one pipeline run needs. File names are resolved
// against DataDir unless they are absolute.
type Config struct {
	DataDir      string `yaml:"data_dir"`
	PatientsFile string `yaml:"patients_file"`
	EventsFile   string `yaml:"events_file"`
	ReportsFile  string `yaml:"reports_file"`
	HashFile     string `yaml:"hash_file"`
	SQLiteFile   string `yaml:"sqlite_file"`
	VectorDir    string `yaml:"vector_dir"`

	BatchSize      int `yaml:"batch_size"`
	TargetClusters int `yaml:"target_clusters"`

	// Seed drives the cluster assignment. Nil selects projection.DefaultSeed;
	// zero is a valid seed.
	Seed *uint64 `yaml:"seed"`

	// StrictMode joins projections to patients by id and rebuilds the
	// relational file on every run.
	StrictMode bool `yaml:"strict_mode"`

	// LLMProvider names the chat model provider of the serving layer. It is
	// only consulted by the data-use guard.
	LLMProvider string `yaml:"llm_provider"`

	Embedding llm.Config          `yaml:"embedding"`
	Chroma    vector.ChromaConfig `yaml:"chroma"`
	SQLite    sqlite.Config       `yaml:"sqlite"`
}

// DefaultConfig returns the baseline configuration used when no overrides are
// supplied. DataDir has no default.
func DefaultConfig() Config {
	return Config{
		PatientsFile:   "patients.csv",
		EventsFile:     "events.csv",
		ReportsFile:    "patient_reports.txt",
		HashFile:       "hash.txt",
		SQLiteFile:     "data.db",
		VectorDir:      "chroma-persist",
		BatchSize:      vector.DefaultBatchSize,
		TargetClusters: projection.DefaultTargetClusters,
		Seed:           seedOf(projection.DefaultSeed),
		Embedding:      llm.DefaultConfig(),
	}
}

// LoadConfig builds a Config from defaults, the optional YAML file at path
// and environment variables, in that order of precedence.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("%w: read config: %v", common.ErrConfiguration, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("%w: parse config %s: %v", common.ErrConfiguration, path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return applyDefaults(cfg), nil
}

func (c *Config) applyEnv() error {
	if value := strings.TrimSpace(os.Getenv("DATA_DIR")); value != "" {
		c.DataDir = value
	}
	if value := strings.TrimSpace(os.Getenv("LLM_PROVIDER")); value != "" {
		c.LLMProvider = value
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"PJ_BATCH_SIZE", &c.BatchSize},
		{"PJ_TARGET_CLUSTERS", &c.TargetClusters},
	}
	for _, item := range ints {
		if value := strings.TrimSpace(os.Getenv(item.name)); value != "" {
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%w: parse %s: %v", common.ErrConfiguration, item.name, err)
			}
			*item.dst = n
		}
	}
	if value := strings.TrimSpace(os.Getenv("PJ_SEED")); value != "" {
		seed, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: parse PJ_SEED: %v", common.ErrConfiguration, err)
		}
		c.Seed = &seed
	}
	if value := strings.TrimSpace(os.Getenv("PJ_STRICT_MODE")); value != "" {
		strict, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: parse PJ_STRICT_MODE: %v", common.ErrConfiguration, err)
		}
		c.StrictMode = strict
	}
	embedding, err := llm.ConfigFromEnv()
	if err != nil {
		return err
	}
	c.Embedding = c.Embedding.Merge(embedding)
	chroma, err := vector.ChromaConfigFromEnv()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfiguration, err)
	}
	c.Chroma = c.Chroma.Merge(chroma)
	store, err := sqlite.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfiguration, err)
	}
	c.SQLite = c.SQLite.Merge(store)
	return nil
}

func applyDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	set := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	set(&cfg.PatientsFile, defaults.PatientsFile)
	set(&cfg.EventsFile, defaults.EventsFile)
	set(&cfg.ReportsFile, defaults.ReportsFile)
	set(&cfg.HashFile, defaults.HashFile)
	set(&cfg.SQLiteFile, defaults.SQLiteFile)
	set(&cfg.VectorDir, defaults.VectorDir)
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.TargetClusters == 0 {
		cfg.TargetClusters = defaults.TargetClusters
	}
	if cfg.Seed == nil {
		cfg.Seed = defaults.Seed
	}
	cfg.Embedding = defaults.Embedding.Merge(cfg.Embedding)
	return cfg
}

func seedOf(v uint64) *uint64 {
	return &v
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("%w: DATA_DIR is not set", common.ErrConfiguration)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", common.ErrConfiguration, c.BatchSize)
	}
	if c.TargetClusters <= 0 {
		return fmt.Errorf("%w: target clusters must be positive, got %d", common.ErrConfiguration, c.TargetClusters)
	}
	if strings.Contains(strings.ToLower(c.DataDir), "mimic") &&
		(strings.EqualFold(c.LLMProvider, llm.ProviderOpenAI) || strings.EqualFold(c.Embedding.Provider, llm.ProviderOpenAI)) {
		return fmt.Errorf("%w: data directory %s looks like MIMIC data, which must not be sent to OpenAI (LLM_PROVIDER=%s, EMBEDDING_PROVIDER=%s)",
			common.ErrConfiguration, c.DataDir, c.LLMProvider, c.Embedding.Provider)
	}
	return nil
}

func (c Config) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}

func (c Config) joinMode() sqlite.JoinMode {
	if c.StrictMode {
		return sqlite.JoinByID
	}
	return sqlite.JoinPositional
}

// EventsPath is the resolved location of the events file.
func (c Config) EventsPath() string {
	return c.path(c.EventsFile)
}

// VectorPath is the resolved location of the index directory.
func (c Config) VectorPath() string {
	return c.path(c.VectorDir)
}
