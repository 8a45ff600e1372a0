package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
)

// LoggingEmbedder logs the size and duration of every call to the wrapped
// embedder at debug level.
type LoggingEmbedder struct {
	next   Embedder
	logger *slog.Logger
}

func WithLogging(next Embedder, logger *slog.Logger) *LoggingEmbedder {
	return &LoggingEmbedder{next: next, logger: common.LoggerOr(logger)}
}

func (l *LoggingEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	start := time.Now()
	vectors, err := l.next.Embed(ctx, texts)
	elapsed := time.Since(start)
	if err != nil {
		l.logger.Debug("llm: embed failed", "provider", l.next.Name(), "texts", len(texts), "dur", elapsed, "error", err)
		return nil, err
	}
	l.logger.Debug("llm: embedded", "provider", l.next.Name(), "texts", len(texts), "dur", elapsed)
	return vectors, nil
}

func (l *LoggingEmbedder) Name() string {
	return l.next.Name()
}

// Unwrap returns the decorated embedder.
func (l *LoggingEmbedder) Unwrap() Embedder {
	return l.next
}
