package llm

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/azure"
	"github.com/openai/openai-go/v2/option"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/llm/providers"
)

const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
	ProviderLocal  = "local"
)

// DefaultMaxRetries bounds how often a failed embedding request is retried.
const DefaultMaxRetries = 5

// Config selects and configures the embedding provider.
type Config struct {
	Provider string `yaml:"provider"`

	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIModel   string `yaml:"openai_model"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	AzureEndpoint   string `yaml:"azure_endpoint"`
	AzureAPIVersion string `yaml:"azure_api_version"`
	AzureModel      string `yaml:"azure_model"`
	AzureAPIKey     string `yaml:"azure_api_key"`

	LocalDimensions int           `yaml:"local_dimensions"`
	MaxRetries      int           `yaml:"max_retries"`
	Timeout         time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Provider:        ProviderLocal,
		LocalDimensions: 256,
		MaxRetries:      DefaultMaxRetries,
		Timeout:         60 * time.Second,
	}
}

// Merge overlays the non-zero fields of override.
func (c Config) Merge(override Config) Config {
	result := c
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&result.Provider, strings.ToLower(override.Provider))
	set(&result.OpenAIAPIKey, override.OpenAIAPIKey)
	set(&result.OpenAIModel, override.OpenAIModel)
	set(&result.OpenAIBaseURL, override.OpenAIBaseURL)
	set(&result.AzureEndpoint, override.AzureEndpoint)
	set(&result.AzureAPIVersion, override.AzureAPIVersion)
	set(&result.AzureModel, override.AzureModel)
	set(&result.AzureAPIKey, override.AzureAPIKey)
	if override.LocalDimensions > 0 {
		result.LocalDimensions = override.LocalDimensions
	}
	if override.MaxRetries > 0 {
		result.MaxRetries = override.MaxRetries
	}
	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	return result
}

// ConfigFromEnv reads EMBEDDING_PROVIDER, OPENAI_* and AZURE_* variables.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Provider:        os.Getenv("EMBEDDING_PROVIDER"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     os.Getenv("OPENAI_EMBEDDING_MODEL"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		AzureEndpoint:   os.Getenv("AZURE_ENDPOINT"),
		AzureAPIVersion: os.Getenv("AZURE_API_VERSION"),
		AzureModel:      os.Getenv("AZURE_EMBEDDING_MODEL"),
		AzureAPIKey:     os.Getenv("AZURE_API_KEY"),
	}
	if value := strings.TrimSpace(os.Getenv("EMBEDDING_MAX_RETRIES")); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse EMBEDDING_MAX_RETRIES: %v", common.ErrConfiguration, err)
		}
		cfg.MaxRetries = n
	}
	if value := strings.TrimSpace(os.Getenv("EMBEDDING_TIMEOUT")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse EMBEDDING_TIMEOUT: %v", common.ErrConfiguration, err)
		}
		cfg.Timeout = dur
	}
	return cfg, nil
}

// Validate reports the settings the selected provider is missing.
func (c Config) Validate() error {
	var missing []string
	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	switch c.Provider {
	case ProviderOpenAI:
		require("OPENAI_API_KEY", c.OpenAIAPIKey)
		require("OPENAI_EMBEDDING_MODEL", c.OpenAIModel)
	case ProviderAzure:
		require("AZURE_ENDPOINT", c.AzureEndpoint)
		require("AZURE_API_VERSION", c.AzureAPIVersion)
		require("AZURE_EMBEDDING_MODEL", c.AzureModel)
		require("AZURE_API_KEY", c.AzureAPIKey)
	case ProviderLocal:
	default:
		return fmt.Errorf("%w: unknown embedding provider %q (want openai, azure or local)", common.ErrConfiguration, c.Provider)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: embedding provider %s requires %s", common.ErrConfiguration, c.Provider, strings.Join(missing, ", "))
	}
	return nil
}

// NewEmbedder builds the configured provider wrapped in debug logging.
func NewEmbedder(cfg Config, logger *slog.Logger) (providers.Embedder, error) {
	logger = common.LoggerOr(logger)
	cfg = DefaultConfig().Merge(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var embedder providers.Embedder
	switch cfg.Provider {
	case ProviderOpenAI:
		opts := clientOptions(cfg)
		opts = append(opts, option.WithAPIKey(cfg.OpenAIAPIKey))
		if cfg.OpenAIBaseURL != "" {
			logger.Info("llm: using custom OpenAI endpoint", "endpoint", cfg.OpenAIBaseURL)
			opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
		}
		embedder = providers.NewOpenAIEmbedder(openai.NewClient(opts...), cfg.OpenAIModel, ProviderOpenAI)
	case ProviderAzure:
		opts := clientOptions(cfg)
		opts = append(opts,
			azure.WithEndpoint(cfg.AzureEndpoint, cfg.AzureAPIVersion),
			azure.WithAPIKey(cfg.AzureAPIKey),
		)
		embedder = providers.NewOpenAIEmbedder(openai.NewClient(opts...), cfg.AzureModel, ProviderAzure)
	default:
		embedder = providers.NewLocalEmbedder(cfg.LocalDimensions)
	}
	logger.Info("llm: embedding provider selected", "provider", embedder.Name(), "max_retries", cfg.MaxRetries)
	return providers.WithLogging(embedder, logger), nil
}

func clientOptions(cfg Config) []option.RequestOption {
	return []option.RequestOption{
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithRequestTimeout(cfg.Timeout),
	}
}
