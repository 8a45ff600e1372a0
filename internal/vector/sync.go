package vector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common/telemetry"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/journey"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/llm/providers"
)

// DefaultBatchSize is the number of documents sent per embedding call.
const DefaultBatchSize = 16

type SyncStatus string

const (
	SyncComplete SyncStatus = "complete"
	SyncPartial  SyncStatus = "partial"
)

// SyncResult describes one run of Sync. A partial result is not a pipeline
// failure: the missing documents are picked up by the next run.
type SyncResult struct {
	Status   SyncStatus
	Total    int
	Existing int
	Missing  int
	Embedded int
	Batches  int
	// FailedBatch is the zero-based index of the chunk that failed, or -1.
	FailedBatch int
	Err         error
}

// Remaining is the number of documents still absent from the index.
func (r SyncResult) Remaining() int {
	return r.Missing - r.Embedded
}

// Sync embeds every document whose id is not yet stored, chunk by chunk.
// Each chunk is durable before the next one starts, so an interrupted run
// resumes where it stopped. Errors end the loop and are reported in the
// result instead of being returned.
func Sync(ctx context.Context, backend Backend, embedder providers.Embedder, docs []journey.Document, batchSize int, logger *slog.Logger) (result SyncResult) {
	logger = common.LoggerOr(logger)
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	ctx, end := telemetry.StartSpan(ctx, "vector_sync")
	result = SyncResult{Status: SyncComplete, Total: len(docs), FailedBatch: -1}

	defer func() {
		if rec := recover(); rec != nil {
			result.Status = SyncPartial
			result.Err = fmt.Errorf("vector: sync panic: %v", rec)
			logger.Error("vector: sync aborted", "error", result.Err, "embedded", result.Embedded)
		}
		if err := backend.Persist(ctx); err != nil {
			logger.Error("vector: persist failed", "error", err)
			if result.Err == nil {
				result.Status = SyncPartial
				result.Err = err
			}
		}
		end("embedded", result.Embedded, "status", result.Status)
	}()

	existing, err := backend.IDs(ctx)
	if err != nil {
		result.Status = SyncPartial
		result.Err = fmt.Errorf("vector: list stored ids: %w", err)
		result.Missing = len(docs)
		logger.Error("vector: sync skipped", "error", err)
		return result
	}
	have := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		have[id] = struct{}{}
	}
	var missing []journey.Document
	for _, doc := range docs {
		if _, ok := have[doc.ID]; ok {
			result.Existing++
			continue
		}
		missing = append(missing, doc)
	}
	result.Missing = len(missing)
	if len(missing) == 0 {
		logger.Info("vector: index up to date", "documents", len(docs))
		return result
	}
	logger.Info("vector: embedding missing documents", "missing", len(missing), "existing", result.Existing, "batch_size", batchSize)

	for start, batch := 0, 0; start < len(missing); start, batch = start+batchSize, batch+1 {
		chunk := missing[start:min(start+batchSize, len(missing))]
		if err := embedChunk(ctx, backend, embedder, chunk); err != nil {
			result.Status = SyncPartial
			result.FailedBatch = batch
			result.Err = err
			logger.Error("vector: embedding batch failed", "batch", batch, "embedded", result.Embedded, "remaining", result.Remaining(), "error", err)
			return result
		}
		result.Batches++
		result.Embedded += len(chunk)
		logger.Info("vector: batch stored", "batch", batch, "embedded", result.Embedded, "of", result.Missing)
	}
	return result
}

func embedChunk(ctx context.Context, backend Backend, embedder providers.Embedder, chunk []journey.Document) error {
	texts := make([]string, len(chunk))
	for i, doc := range chunk {
		texts[i] = doc.Text
	}
	start := time.Now()
	vectors, err := embedder.Embed(ctx, texts)
	telemetry.RecordEmbedBatch(len(chunk), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != len(chunk) {
		return fmt.Errorf("embed: got %d vectors for %d documents", len(vectors), len(chunk))
	}
	entries := make([]Entry, len(chunk))
	for i, doc := range chunk {
		entries[i] = Entry{ID: doc.ID, Embedding: vectors[i], Document: doc.Text, Metadata: doc.Metadata}
	}
	if err := backend.Add(ctx, entries); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}
