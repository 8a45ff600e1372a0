package orchestrator

import (
	"log/slog"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/llm/providers"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/projection"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/vector"
)

type Option func(*options)

type options struct {
	embedder providers.Embedder
	reducer  projection.ManifoldReducer
	assigner projection.ClusterAssigner
	backend  vector.Backend
	logger   *slog.Logger
}

// WithEmbedder replaces the provider built from the embedding config.
func WithEmbedder(e providers.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

func WithReducer(r projection.ManifoldReducer) Option {
	return func(o *options) {
		o.reducer = r
	}
}

func WithAssigner(a projection.ClusterAssigner) Option {
	return func(o *options) {
		o.assigner = a
	}
}

// WithBackend injects a vector store instead of opening the local directory
// or ChromaDB. The orchestrator closes it.
func WithBackend(b vector.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
