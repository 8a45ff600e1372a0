// Package vector keeps the embedded journey documents and answers
// similarity queries over them.
package vector

import (
	"context"
	"math"
)

// Entry is one embedded document.
type Entry struct {
	ID        string            `json:"id"`
	Embedding []float64         `json:"embedding"`
	Document  string            `json:"document"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Match is a query hit. Score is a cosine similarity; higher is closer.
type Match struct {
	Entry
	Score float64
}

// Filter restricts a query to entries whose metadata Field is one of In.
// The zero value matches everything.
type Filter struct {
	Field string
	In    []string
}

func (f Filter) empty() bool {
	return f.Field == "" || f.In == nil
}

func (f Filter) matches(e Entry) bool {
	if f.empty() {
		return true
	}
	v, ok := e.Metadata[f.Field]
	if !ok {
		return false
	}
	for _, want := range f.In {
		if v == want {
			return true
		}
	}
	return false
}

// Backend persists entries. Add must be durable when it returns; ids are
// never removed.
type Backend interface {
	// IDs lists stored ids in index order.
	IDs(ctx context.Context) ([]string, error)
	Add(ctx context.Context, entries []Entry) error
	// Get returns the entries for ids, or the first limit entries when ids
	// is empty. limit <= 0 with no ids returns everything.
	Get(ctx context.Context, ids []string, limit int) ([]Entry, error)
	Query(ctx context.Context, vector []float64, k int, filter Filter) ([]Match, error)
	Persist(ctx context.Context) error
	Close() error
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
