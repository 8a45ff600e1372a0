// Package orchestrator runs the ingestion pipeline: it loads and checks the
// source tables, keeps the journey report and the derived stores in step
// with them and hands the stores to the serving layer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common/telemetry"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/fingerprint"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/integrity"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/journey"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/llm"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/llm/providers"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/projection"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/sqlite"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/table"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/textsearch"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/vector"
)

type closer interface {
	Close() error
}

// Result is what Init hands to the serving layer.
type Result struct {
	Index       *vector.Index
	Keywords    *textsearch.Index
	Store       *sqlite.Store
	PatientsCSV string
	Sync        vector.SyncResult
	// ReportGenerated is set when the journey report was written in this run.
	ReportGenerated bool
	// FirstRun is set when no content hash had been recorded before.
	FirstRun bool
	// Materialized is set when the relational file was (re)built in this run.
	Materialized bool
}

// Orchestrator owns the derived stores of one data directory. A single
// process must run it at a time.
type Orchestrator struct {
	cfg      Config
	logger   *slog.Logger
	embedder providers.Embedder
	backend  vector.Backend
	engine   *projection.Engine
	tokens   llm.TokenCounter

	closers []closer
}

// New validates cfg and prepares the capabilities. Nothing on disk is
// touched until Init.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	cfg = applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	settings := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	logger := common.LoggerOr(settings.logger)

	embedder := settings.embedder
	if embedder == nil {
		e, err := llm.NewEmbedder(cfg.Embedding, logger)
		if err != nil {
			return nil, err
		}
		embedder = e
	}
	tokens, err := llm.NewTokenCounter(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		embedder: embedder,
		backend:  settings.backend,
		tokens:   tokens,
		engine: &projection.Engine{
			Reducer:        settings.reducer,
			Assigner:       settings.assigner,
			TargetClusters: cfg.TargetClusters,
			Seed:           *cfg.Seed,
		},
	}, nil
}

func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Init runs the pipeline once. Data consistency problems are returned as
// *integrity.Error and leave the derived stores untouched; embedding failures
// only show up in Result.Sync.
func (o *Orchestrator) Init(ctx context.Context) (*Result, error) {
	cfg := o.cfg
	o.logger.Info("orchestrator: initializing data", "data_dir", cfg.DataDir, "strict", cfg.StrictMode)

	patients, events, err := o.load(ctx)
	if err != nil {
		return nil, err
	}

	reportPath := cfg.path(cfg.ReportsFile)
	generated, err := journey.Ensure(reportPath, patients, events, o.logger)
	if err != nil {
		return nil, err
	}

	first, err := o.checkFingerprint(reportPath)
	if err != nil {
		return nil, err
	}

	docs, err := journey.ReadDocuments(reportPath)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}
	stats := llm.ComputeTokenStats(o.tokens, texts)
	o.logger.Info("orchestrator: journey token counts", "counter", stats.Counter,
		"documents", stats.Documents, "total", stats.Total, "mean", stats.Mean, "max", stats.Max)
	if stats.OverLimit > 0 {
		o.logger.Warn("orchestrator: journeys exceed the embedding token limit", "count", stats.OverLimit, "limit", llm.DefaultTokenLimit)
	}

	keywords, err := textsearch.Build(docs, o.logger)
	if err != nil {
		return nil, err
	}
	o.closers = append(o.closers, keywords)

	backend, err := o.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	o.closers = append(o.closers, backend)

	syncCtx, end := telemetry.StartSpan(ctx, "sync")
	syncResult := vector.Sync(syncCtx, backend, o.embedder, docs, cfg.BatchSize, o.logger)
	end("status", syncResult.Status)
	if syncResult.Status == vector.SyncPartial {
		o.logger.Warn("orchestrator: vector index incomplete, missing documents are retried on next start",
			"remaining", syncResult.Remaining(), "error", syncResult.Err)
	}
	index := vector.NewIndex(backend, o.embedder, o.logger)

	store, materialized, err := o.relationalStore(ctx, index, patients, events)
	if err != nil {
		return nil, err
	}
	o.closers = append(o.closers, store)

	rows, err := store.Projections(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read projections: %w", err)
	}
	csvText, err := ExportCSV(patients, rows, cfg.joinMode())
	if err != nil {
		return nil, err
	}
	o.logger.Info("orchestrator: data initialized", "patients", patients.Len(), "events", events.Len(), "sync", syncResult.Status)
	return &Result{
		Index:           index,
		Keywords:        keywords,
		Store:           store,
		PatientsCSV:     csvText,
		Sync:            syncResult,
		ReportGenerated: generated,
		FirstRun:        first,
		Materialized:    materialized,
	}, nil
}

func (o *Orchestrator) load(ctx context.Context) (*table.Table, *table.Table, error) {
	_, end := telemetry.StartSpan(ctx, "load")
	defer end()
	patients, err := table.Load(o.cfg.path(o.cfg.PatientsFile), o.logger)
	if err != nil {
		return nil, nil, err
	}
	events, err := table.Load(o.cfg.path(o.cfg.EventsFile), o.logger)
	if err != nil {
		return nil, nil, err
	}
	if err := integrity.Validate(patients, events); err != nil {
		o.logger.Error("orchestrator: data consistency check failed", "error", err)
		return nil, nil, err
	}
	return patients, events, nil
}

func (o *Orchestrator) checkFingerprint(reportPath string) (bool, error) {
	cfg := o.cfg
	digest, err := fingerprint.Compute(cfg.path(cfg.PatientsFile), cfg.path(cfg.EventsFile), reportPath)
	if err != nil {
		return false, err
	}
	vectorArtifact := cfg.path(cfg.VectorDir)
	if cfg.Chroma.Enabled() {
		vectorArtifact = "the ChromaDB collection " + cfg.Chroma.Collection
	}
	gate := fingerprint.Gate{
		Path:      cfg.path(cfg.HashFile),
		Artifacts: []string{vectorArtifact, cfg.path(cfg.SQLiteFile)},
	}
	first, err := gate.Check(digest)
	if err != nil {
		o.logger.Error("orchestrator: source data changed since last run", "error", err)
		return false, err
	}
	if first {
		o.logger.Info("orchestrator: data loaded for the first time, hash recorded", "hash", digest)
	} else {
		o.logger.Info("orchestrator: data consistency check passed, no changes since last run")
	}
	return first, nil
}

func (o *Orchestrator) openBackend(ctx context.Context) (vector.Backend, error) {
	switch {
	case o.backend != nil:
		return o.backend, nil
	case o.cfg.Chroma.Enabled():
		return vector.NewChroma(ctx, o.cfg.Chroma, o.logger), nil
	default:
		store, err := vector.OpenLocal(o.cfg.path(o.cfg.VectorDir), o.logger)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: open vector index: %w", err)
		}
		return store, nil
	}
}

func (o *Orchestrator) relationalStore(ctx context.Context, index *vector.Index, patients, events *table.Table) (*sqlite.Store, bool, error) {
	cfg := o.cfg.SQLite
	cfg.Path = o.cfg.path(o.cfg.SQLiteFile)
	exists, err := sqlite.Exists(cfg.Path)
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: %w", err)
	}
	if exists && !o.cfg.StrictMode {
		store, err := sqlite.Open(cfg, o.logger)
		if err != nil {
			return nil, false, err
		}
		o.logger.Info("orchestrator: using existing relational store", "path", cfg.Path)
		return store, false, nil
	}

	ctx, end := telemetry.StartSpan(ctx, "projection")
	entries, err := index.All(ctx)
	if err != nil {
		end()
		return nil, false, fmt.Errorf("orchestrator: read vector index: %w", err)
	}
	ids := make([]string, len(entries))
	vectors := make([][]float64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		vectors[i] = e.Embedding
	}
	points, err := o.engine.Project(ids, vectors)
	end("points", len(points))
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: %w", err)
	}

	store, err := sqlite.Materialize(ctx, cfg, patients, events, points, o.cfg.joinMode(), o.logger)
	if err != nil {
		return nil, false, err
	}
	return store, true, nil
}

// Close releases the vector index and the relational store.
func (o *Orchestrator) Close() error {
	if o == nil {
		return nil
	}
	var err error
	for i := len(o.closers) - 1; i >= 0; i-- {
		if cerr := o.closers[i].Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.closers = nil
	return err
}
