package llm

import (
	"fmt"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultTokenLimit is the input limit of the OpenAI embedding models.
const DefaultTokenLimit = 8191

// FallbackEncoding is used for models tiktoken does not know.
const FallbackEncoding = "cl100k_base"

var loaderOnce sync.Once

// TokenCounter counts the tokens a text costs with the configured provider.
type TokenCounter interface {
	CountTokens(text string) int
	Name() string
}

// NewTokenCounter returns an exact BPE counter for the openai and azure
// providers and the word-length estimate for local embeddings, which have
// no tokenizer.
func NewTokenCounter(cfg Config) (TokenCounter, error) {
	cfg = DefaultConfig().Merge(cfg)
	var model string
	switch cfg.Provider {
	case ProviderOpenAI:
		model = cfg.OpenAIModel
	case ProviderAzure:
		model = cfg.AzureModel
	default:
		return EstimateCounter{}, nil
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	name := model
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		name = FallbackEncoding
		enc, err = tiktoken.GetEncoding(FallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("llm: load %s encoding: %w", FallbackEncoding, err)
		}
	}
	return &bpeCounter{enc: enc, name: name}, nil
}

type bpeCounter struct {
	enc  *tiktoken.Tiktoken
	name string
}

func (c *bpeCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

func (c *bpeCounter) Name() string {
	return "tiktoken/" + c.name
}

// EstimateCounter approximates BPE token counts: every word contributes one
// token per started four characters and every punctuation rune counts as a
// token of its own.
type EstimateCounter struct{}

func (EstimateCounter) Name() string {
	return "estimate"
}

func (EstimateCounter) CountTokens(text string) int {
	tokens := 0
	word := 0
	flush := func() {
		if word > 0 {
			tokens += (word + 3) / 4
			word = 0
		}
	}
	for len(text) > 0 {
		r, size := utf8.DecodeRuneInString(text)
		text = text[size:]
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			word++
		default:
			flush()
			tokens++
		}
	}
	flush()
	return tokens
}

// TokenStats summarises the token counts of a corpus.
type TokenStats struct {
	Counter   string
	Documents int
	Total     int
	Max       int
	Mean      float64
	// OverLimit counts documents longer than DefaultTokenLimit.
	OverLimit int
}

func ComputeTokenStats(counter TokenCounter, texts []string) TokenStats {
	if counter == nil {
		counter = EstimateCounter{}
	}
	stats := TokenStats{Counter: counter.Name(), Documents: len(texts)}
	for _, text := range texts {
		n := counter.CountTokens(text)
		stats.Total += n
		if n > stats.Max {
			stats.Max = n
		}
		if n > DefaultTokenLimit {
			stats.OverLimit++
		}
	}
	if stats.Documents > 0 {
		stats.Mean = float64(stats.Total) / float64(stats.Documents)
	}
	return stats
}
