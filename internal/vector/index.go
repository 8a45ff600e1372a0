package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common/telemetry"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/journey"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/llm/providers"
)

const (
	DefaultSearchK    = 5
	DefaultMinScore   = 0.1
	DefaultFetchLimit = 5
	pidFilterField    = journey.MetadataPID
)

// Index is the read handle the serving layer gets after a sync. Queries are
// embedded with the same provider that built the index.
type Index struct {
	backend  Backend
	embedder providers.Embedder
	logger   *slog.Logger
}

func NewIndex(backend Backend, embedder providers.Embedder, logger *slog.Logger) *Index {
	return &Index{backend: backend, embedder: embedder, logger: common.LoggerOr(logger)}
}

// Backend exposes the underlying store.
func (i *Index) Backend() Backend {
	return i.backend
}

// Search returns the k entries closest to query. A non-empty pids list
// restricts the candidates to those patients.
func (i *Index) Search(ctx context.Context, query string, k int, pids []string) ([]Match, error) {
	if k <= 0 {
		k = DefaultSearchK
	}
	var filter Filter
	if len(pids) > 0 {
		filter = Filter{Field: pidFilterField, In: pids}
	}
	return i.query(ctx, query, k, filter)
}

// SearchWithThreshold returns up to k entries whose similarity to query is at
// least minScore. Zero and negative floors are honoured as given.
func (i *Index) SearchWithThreshold(ctx context.Context, query string, k int, minScore float64) ([]Match, error) {
	if k <= 0 {
		k = DefaultSearchK
	}
	matches, err := i.query(ctx, query, k, Filter{})
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, m := range matches {
		if m.Score >= minScore {
			out = append(out, m)
		}
	}
	return out, nil
}

func (i *Index) query(ctx context.Context, query string, k int, filter Filter) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("vector: empty query")
	}
	start := time.Now()
	vectors, err := i.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("vector: embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("vector: embed query returned %d vectors", len(vectors))
	}
	matches, err := i.backend.Query(ctx, vectors[0], k, filter)
	if err != nil {
		return nil, fmt.Errorf("vector: query: %w", err)
	}
	telemetry.RecordVectorSearch(time.Since(start))
	i.logger.Debug("vector: search", "k", k, "hits", len(matches), "filtered", !filter.empty())
	return matches, nil
}

// Fetch returns the entries for ids, or the first limit entries when no ids
// are given.
func (i *Index) Fetch(ctx context.Context, ids []string, limit int) ([]Entry, error) {
	if len(ids) == 0 && limit <= 0 {
		limit = DefaultFetchLimit
	}
	return i.backend.Get(ctx, ids, limit)
}

// All returns every entry in index order.
func (i *Index) All(ctx context.Context) ([]Entry, error) {
	return i.backend.Get(ctx, nil, 0)
}

func (i *Index) Len(ctx context.Context) (int, error) {
	ids, err := i.backend.IDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (i *Index) Close() error {
	return i.backend.Close()
}
