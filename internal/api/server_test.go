package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/data/orchestrator"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/journey"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/llm/providers"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/projection"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/sqlite"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/table"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/textsearch"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/vector"
)

const testPatients = `pid,Age
pid,number
P1,42
P2,7
`

const testEvents = `eid,pid,Code
eid,pid,string
E1,P1,X01
E2,P2,Y02
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	patients, err := table.Parse("patients.csv", strings.NewReader(testPatients), nil)
	if err != nil {
		t.Fatalf("parse patients: %v", err)
	}
	events, err := table.Parse("events.csv", strings.NewReader(testEvents), nil)
	if err != nil {
		t.Fatalf("parse events: %v", err)
	}
	eventsPath := filepath.Join(dir, "events.csv")
	if err := os.WriteFile(eventsPath, []byte(testEvents), 0o644); err != nil {
		t.Fatalf("write events: %v", err)
	}

	backend, err := vector.OpenLocal(filepath.Join(dir, "index"), nil)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	embedder := providers.NewLocalEmbedder(256)
	docs := []journey.Document{
		{ID: "P1", Text: "P1 fever cough pneumonia", Metadata: map[string]string{journey.MetadataPID: "P1"}},
		{ID: "P2", Text: "P2 fracture cast", Metadata: map[string]string{journey.MetadataPID: "P2"}},
	}
	if r := vector.Sync(ctx, backend, embedder, docs, 8, nil); r.Status != vector.SyncComplete {
		t.Fatalf("sync: %+v", r)
	}
	index := vector.NewIndex(backend, embedder, nil)
	keywords, err := textsearch.Build(docs, nil)
	if err != nil {
		t.Fatalf("build keyword index: %v", err)
	}

	points := []projection.Point{{ID: "P1", X: 1, Y: 2, Cluster: 0}, {ID: "P2", X: 3, Y: 4, Cluster: 1}}
	store, err := sqlite.Materialize(ctx, sqlite.Config{Path: filepath.Join(dir, "data.db")}, patients, events, points, sqlite.JoinPositional, nil)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		index.Close()
		keywords.Close()
	})

	result := &orchestrator.Result{Index: index, Keywords: keywords, Store: store, PatientsCSV: "pid,Age,2D X,2D Y,Cluster\n"}
	srv, err := NewServer(result, eventsPath, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestNewServerRequiresHandles(t *testing.T) {
	if _, err := NewServer(&orchestrator.Result{}, "", nil); err == nil {
		t.Fatal("expected error for empty result")
	}
}

func TestServesPatientExportAndEvents(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/v1/patients.csv", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("patients status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if rec.Body.String() != "pid,Age,2D X,2D Y,Cluster\n" {
		t.Fatalf("unexpected patients body %q", rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/v1/events.csv", "")
	if rec.Code != http.StatusOK || rec.Body.String() != testEvents {
		t.Fatalf("unexpected events response %d %q", rec.Code, rec.Body.String())
	}
}

func TestSearchFiltersByPatient(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/v1/search?q=fever+cough&k=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []searchHit `json:"results"`
	}
	decode(t, rec, &resp)
	if len(resp.Results) != 1 || resp.Results[0].ID != "P1" {
		t.Fatalf("unexpected results %+v", resp.Results)
	}

	rec = do(t, srv, http.MethodGet, "/v1/search?q=fever+cough&pid=P2", "")
	decode(t, rec, &resp)
	if len(resp.Results) != 1 || resp.Results[0].ID != "P2" {
		t.Fatalf("pid filter not applied: %+v", resp.Results)
	}
	if resp.Results[0].Metadata[journey.MetadataPID] != "P2" {
		t.Fatalf("metadata missing: %+v", resp.Results[0])
	}
}

func TestSearchRejectsBadParameters(t *testing.T) {
	srv := newTestServer(t)
	for _, target := range []string{"/v1/search", "/v1/search?q=x&k=abc", "/v1/similar?q=x&threshold=high"} {
		if rec := do(t, srv, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestKeywordSearch(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/v1/keyword?q=fracture", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("keyword status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []searchHit `json:"results"`
	}
	decode(t, rec, &resp)
	if len(resp.Results) != 1 || resp.Results[0].ID != "P2" {
		t.Fatalf("unexpected keyword results %+v", resp.Results)
	}
	rec = do(t, srv, http.MethodGet, "/v1/keyword?q=fracture&pid=P1", "")
	decode(t, rec, &resp)
	if len(resp.Results) != 0 {
		t.Fatalf("pid filter not applied: %+v", resp.Results)
	}
}

func TestSimilarAppliesThreshold(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/v1/similar?q=P1+fever+cough+pneumonia&threshold=0.99", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("similar status %d", rec.Code)
	}
	var resp struct {
		Results   []searchHit `json:"results"`
		Threshold float64     `json:"threshold"`
	}
	decode(t, rec, &resp)
	if resp.Threshold != 0.99 {
		t.Fatalf("threshold not echoed: %v", resp.Threshold)
	}
	for _, hit := range resp.Results {
		if hit.Score < 0.99 {
			t.Fatalf("hit below threshold: %+v", hit)
		}
	}
}

func TestSimilarThresholdDefaultsOnlyWhenAbsent(t *testing.T) {
	srv := newTestServer(t)
	for target, want := range map[string]float64{
		"/v1/similar?q=fever":              vector.DefaultMinScore,
		"/v1/similar?q=fever&threshold=0":  0,
		"/v1/similar?q=fever&threshold=-1": -1,
	} {
		rec := do(t, srv, http.MethodGet, target, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", target, rec.Code)
		}
		var resp struct {
			Threshold float64 `json:"threshold"`
		}
		decode(t, rec, &resp)
		if resp.Threshold != want {
			t.Fatalf("%s: threshold %v, want %v", target, resp.Threshold, want)
		}
	}
}

func TestJourneysByID(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/v1/journeys?id=P2", "")
	var resp struct {
		Journeys []journeyEntry `json:"journeys"`
	}
	decode(t, rec, &resp)
	if len(resp.Journeys) != 1 || resp.Journeys[0].Document != "P2 fracture cast" {
		t.Fatalf("unexpected journeys %+v", resp.Journeys)
	}
	if strings.Contains(rec.Body.String(), "embedding") {
		t.Fatalf("embeddings leaked into response: %s", rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/v1/journeys?limit=1", "")
	decode(t, rec, &resp)
	if len(resp.Journeys) != 1 || resp.Journeys[0].ID != "P1" {
		t.Fatalf("limit not applied: %+v", resp.Journeys)
	}
}

func TestSQLEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/v1/sql", `{"query":"SELECT \"Patient ID\", Cluster FROM patients ORDER BY rowid"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("sql status %d", rec.Code)
	}
	var resp map[string]string
	decode(t, rec, &resp)
	if resp["result"] != "[('P1', '0'), ('P2', '1')]" {
		t.Fatalf("unexpected result %q", resp["result"])
	}

	rec = do(t, srv, http.MethodPost, "/v1/sql", `{"query":"SELECT nope FROM missing"}`)
	decode(t, rec, &resp)
	if rec.Code != http.StatusOK || !strings.HasPrefix(resp["result"], "Error: ") {
		t.Fatalf("expected error text, got %d %q", rec.Code, resp["result"])
	}

	if rec := do(t, srv, http.MethodPost, "/v1/sql", `{"query":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty query, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/v1/sql", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/v1/schema", "")
	var resp map[string]string
	decode(t, rec, &resp)
	for _, want := range []string{"CREATE TABLE", "rows from patients table", "rows from events table"} {
		if !strings.Contains(resp["schema"], want) {
			t.Fatalf("schema missing %q:\n%s", want, resp["schema"])
		}
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	do(t, srv, http.MethodGet, "/v1/search?q=fever", "")
	rec := do(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pj_vector_search_seconds") {
		t.Fatalf("unexpected metrics response %d:\n%s", rec.Code, rec.Body.String())
	}
}
