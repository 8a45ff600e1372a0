package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/integrity"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/llm/providers"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/vector"
)

const testPatients = `pid,Age,Ward
pid,number,category
P1,42,A
P2,37,B
P3,61,A
`

const testEvents = `eid,pid,Code,Date
eid,pid,string,date
E1,P1,X01,01.02.2020
E2,P2,Y02,03.04.2021
`

type stubEmbedder struct {
	inner  providers.Embedder
	failOn int

	mu    sync.Mutex
	calls int
	docs  int
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{inner: providers.NewLocalEmbedder(32)}
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if call == s.failOn {
		return nil, errors.New("provider unavailable")
	}
	s.mu.Lock()
	s.docs += len(texts)
	s.mu.Unlock()
	return s.inner.Embed(ctx, texts)
}

func (s *stubEmbedder) Name() string { return "stub" }

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATA_DIR", "LLM_PROVIDER", "EMBEDDING_PROVIDER", "PJ_BATCH_SIZE", "PJ_STRICT_MODE",
		"PJ_TARGET_CLUSTERS", "PJ_SEED", "CHROMADB_HOST", "SQLITE_PATH",
	} {
		t.Setenv(key, "")
	}
}

func writeDataDir(t *testing.T, patients, events string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "patients.csv"), []byte(patients), 0o644); err != nil {
		t.Fatalf("write patients: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "events.csv"), []byte(events), 0o644); err != nil {
		t.Fatalf("write events: %v", err)
	}
	return dir
}

func runInit(t *testing.T, cfg Config, opts ...Option) (*Result, error) {
	t.Helper()
	orch, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = orch.Close() })
	return orch.Init(context.Background())
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BatchSize != 16 || cfg.TargetClusters != 6 || cfg.Seed == nil || *cfg.Seed != 99 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Embedding.Provider != "local" || cfg.StrictMode {
		t.Fatalf("unexpected provider defaults %+v", cfg)
	}
	if err := cfg.validate(); !errors.Is(err, common.ErrConfiguration) {
		t.Fatalf("expected missing DATA_DIR to be a configuration error, got %v", err)
	}
}

func TestLoadConfigFileAndEnvironment(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "pj.yaml")
	yamlText := `data_dir: /srv/data
batch_size: 8
strict_mode: true
embedding:
  provider: local
  local_dimensions: 64
  timeout: 15s
sqlite:
  busy_timeout: 2s
`
	if err := os.WriteFile(path, []byte(yamlText), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PJ_BATCH_SIZE", "4")
	t.Setenv("DATA_DIR", "/srv/other")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DataDir != "/srv/other" || cfg.BatchSize != 4 || !cfg.StrictMode {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Embedding.LocalDimensions != 64 || cfg.Embedding.Timeout.Seconds() != 15 || cfg.SQLite.BusyTimeout.Seconds() != 2 {
		t.Fatalf("nested settings not decoded: %+v", cfg)
	}
	if cfg.path(cfg.HashFile) != filepath.Join("/srv/other", "hash.txt") {
		t.Fatalf("unexpected hash path %s", cfg.path(cfg.HashFile))
	}
}

func TestLoadConfigHonoursZeroSeed(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "pj.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /srv/data\nseed: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Seed == nil || *cfg.Seed != 0 {
		t.Fatalf("seed from file not honoured: %v", cfg.Seed)
	}

	t.Setenv("PJ_SEED", "0")
	cfg, err = LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Seed == nil || *cfg.Seed != 0 {
		t.Fatalf("PJ_SEED=0 not honoured: %v", cfg.Seed)
	}
	cfg.DataDir = t.TempDir()
	orch, err := New(cfg, WithEmbedder(providers.NewLocalEmbedder(16)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if orch.engine.Seed != 0 {
		t.Fatalf("engine seed = %d, want 0", orch.engine.Seed)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "pj.yaml")
	if err := os.WriteFile(path, []byte("batch_sise: 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); !errors.Is(err, common.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadConfigRejectsBadStrictFlag(t *testing.T) {
	clearEnv(t)
	t.Setenv("PJ_STRICT_MODE", "sometimes")
	if _, err := LoadConfig(""); !errors.Is(err, common.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestValidateGuardsMIMICData(t *testing.T) {
	cfg := applyDefaults(Config{DataDir: "/data/mimic-iv", LLMProvider: "OpenAI"})
	if err := cfg.validate(); !errors.Is(err, common.ErrConfiguration) || !strings.Contains(err.Error(), "MIMIC") {
		t.Fatalf("expected MIMIC guard, got %v", err)
	}
	cfg.LLMProvider = "azure"
	cfg.Embedding.Provider = "openai"
	if err := cfg.validate(); err == nil {
		t.Fatal("expected MIMIC guard for openai embeddings")
	}
	cfg.Embedding.Provider = "local"
	if err := cfg.validate(); err != nil {
		t.Fatalf("local providers should be allowed: %v", err)
	}
}

func TestInitBuildsEverything(t *testing.T) {
	clearEnv(t)
	dir := writeDataDir(t, testPatients, testEvents)
	embedder := newStubEmbedder()
	res, err := runInit(t, Config{DataDir: dir}, WithEmbedder(embedder))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !res.ReportGenerated || !res.FirstRun || !res.Materialized {
		t.Fatalf("expected a first run, got %+v", res)
	}
	if res.Sync.Status != vector.SyncComplete || res.Sync.Embedded != 3 {
		t.Fatalf("unexpected sync %+v", res.Sync)
	}

	report, err := os.ReadFile(filepath.Join(dir, "patient_reports.txt"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(report), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 report lines, got %d", len(lines))
	}
	for i, id := range []string{"P1", "P2", "P3"} {
		if !strings.HasPrefix(lines[i], id+" ") {
			t.Fatalf("line %d should start with %s: %q", i, id, lines[i])
		}
	}

	csvLines := strings.Split(strings.TrimRight(res.PatientsCSV, "\n"), "\n")
	if len(csvLines) != 5 {
		t.Fatalf("expected 2 header rows and 3 patients, got %d lines", len(csvLines))
	}
	if csvLines[0] != "pid,Age,Ward,2D X,2D Y,Cluster" || csvLines[1] != "pid,number,category,number,number,category" {
		t.Fatalf("unexpected headers %q / %q", csvLines[0], csvLines[1])
	}
	for _, line := range csvLines[2:] {
		cells := strings.Split(line, ",")
		if len(cells) != 6 || cells[5] == "" {
			t.Fatalf("patient row without projection: %q", line)
		}
	}

	if got := res.Store.Run(context.Background(), "SELECT COUNT(*) FROM events"); got != "[(2,)]" {
		t.Fatalf("unexpected events count %q", got)
	}
	matches, err := res.Index.Search(context.Background(), "Ward B", 1, []string{"P2"})
	if err != nil || len(matches) != 1 || matches[0].ID != "P2" {
		t.Fatalf("filtered search: %+v %v", matches, err)
	}
	if res.Keywords.Len() != 3 {
		t.Fatalf("keyword index should hold every journey, got %d", res.Keywords.Len())
	}
	hits, err := res.Keywords.Search(context.Background(), "Y02", 5, nil)
	if err != nil || len(hits) != 1 || hits[0].ID != "P2" {
		t.Fatalf("keyword search: %+v %v", hits, err)
	}
}

func TestInitSecondRunReusesStores(t *testing.T) {
	clearEnv(t)
	dir := writeDataDir(t, testPatients, testEvents)
	first, err := runInit(t, Config{DataDir: dir}, WithEmbedder(newStubEmbedder()))
	if err != nil {
		t.Fatalf("first Init: %v", err)
	}
	first.Index.Close()
	first.Store.Close()

	embedder := newStubEmbedder()
	second, err := runInit(t, Config{DataDir: dir}, WithEmbedder(embedder))
	if err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if second.ReportGenerated || second.FirstRun || second.Materialized {
		t.Fatalf("second run should reuse everything: %+v", second)
	}
	if embedder.calls != 0 || second.Sync.Existing != 3 {
		t.Fatalf("no document should be embedded twice: calls=%d sync=%+v", embedder.calls, second.Sync)
	}
	if second.PatientsCSV != first.PatientsCSV {
		t.Fatalf("export changed between runs")
	}
}

func TestInitRejectsDanglingEvent(t *testing.T) {
	clearEnv(t)
	events := testEvents + "E3,P9,Z03,05.06.2022\n"
	dir := writeDataDir(t, testPatients, events)
	_, err := runInit(t, Config{DataDir: dir}, WithEmbedder(newStubEmbedder()))
	if !errors.Is(err, integrity.ErrDataConsistency) {
		t.Fatalf("expected data consistency error, got %v", err)
	}
	var ierr *integrity.Error
	if !errors.As(err, &ierr) || len(ierr.IDs(integrity.KindDanglingPatientRefs)) != 1 || ierr.IDs(integrity.KindDanglingPatientRefs)[0] != "P9" {
		t.Fatalf("expected P9 to be reported, got %v", err)
	}
	for _, name := range []string{"patient_reports.txt", "hash.txt", "data.db", "chroma-persist"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s must not be created on inconsistent data", name)
		}
	}
}

func TestInitDetectsSourceChange(t *testing.T) {
	clearEnv(t)
	dir := writeDataDir(t, testPatients, testEvents)
	res, err := runInit(t, Config{DataDir: dir}, WithEmbedder(newStubEmbedder()))
	if err != nil {
		t.Fatalf("first Init: %v", err)
	}
	res.Index.Close()
	res.Store.Close()

	changed := strings.Replace(testPatients, "P2,37,B", "P2,38,B", 1)
	if err := os.WriteFile(filepath.Join(dir, "patients.csv"), []byte(changed), 0o644); err != nil {
		t.Fatalf("rewrite patients: %v", err)
	}
	_, err = runInit(t, Config{DataDir: dir}, WithEmbedder(newStubEmbedder()))
	var ierr *integrity.Error
	if !errors.As(err, &ierr) || !ierr.Has(integrity.KindSourceChanged) {
		t.Fatalf("expected source change error, got %v", err)
	}
	if !strings.Contains(err.Error(), "hash.txt") || !strings.Contains(err.Error(), "data.db") {
		t.Fatalf("error should name the artifacts to delete: %v", err)
	}
}

func TestInitPartialSyncKeepsProjectionFrozen(t *testing.T) {
	clearEnv(t)
	dir := writeDataDir(t, testPatients, testEvents)
	failing := newStubEmbedder()
	failing.failOn = 3
	first, err := runInit(t, Config{DataDir: dir, BatchSize: 1}, WithEmbedder(failing))
	if err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if first.Sync.Status != vector.SyncPartial || first.Sync.Embedded != 2 || first.Sync.FailedBatch != 2 {
		t.Fatalf("expected partial sync, got %+v", first.Sync)
	}
	first.Index.Close()
	first.Store.Close()

	healthy := newStubEmbedder()
	second, err := runInit(t, Config{DataDir: dir, BatchSize: 1}, WithEmbedder(healthy))
	if err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if second.Sync.Status != vector.SyncComplete || healthy.docs != 1 {
		t.Fatalf("expected only the missing document embedded, docs=%d sync=%+v", healthy.docs, second.Sync)
	}
	if second.Materialized {
		t.Fatal("default mode must not rebuild an existing relational file")
	}
	last := strings.Split(strings.TrimRight(second.PatientsCSV, "\n"), "\n")[4]
	if !strings.HasSuffix(last, ",,,") {
		t.Fatalf("P3 was embedded after materialization and should have no projection: %q", last)
	}
	second.Index.Close()
	second.Store.Close()

	strict, err := runInit(t, Config{DataDir: dir, StrictMode: true}, WithEmbedder(newStubEmbedder()))
	if err != nil {
		t.Fatalf("strict Init: %v", err)
	}
	if !strict.Materialized {
		t.Fatal("strict mode should rebuild the relational file")
	}
	last = strings.Split(strings.TrimRight(strict.PatientsCSV, "\n"), "\n")[4]
	if strings.HasSuffix(last, ",,,") {
		t.Fatalf("strict mode should project every embedded patient: %q", last)
	}
}
