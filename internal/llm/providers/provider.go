package providers

import "context"

// Embedder turns texts into vectors. Implementations return exactly one
// vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Name() string
}
