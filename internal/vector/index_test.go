package vector

import (
	"context"
	"testing"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/journey"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/llm/providers"
)

func buildTestIndex(t *testing.T) *Index {
	t.Helper()
	store := openTestStore(t, t.TempDir())
	embedder := providers.NewLocalEmbedder(64)
	docs := []journey.Document{
		{ID: "P1", Text: "P1 fever cough pneumonia antibiotics", Metadata: map[string]string{journey.MetadataPID: "P1"}},
		{ID: "P2", Text: "P2 fracture cast orthopedics", Metadata: map[string]string{journey.MetadataPID: "P2"}},
		{ID: "P3", Text: "P3 fever cough influenza", Metadata: map[string]string{journey.MetadataPID: "P3"}},
	}
	if r := Sync(context.Background(), store, embedder, docs, 2, nil); r.Status != SyncComplete {
		t.Fatalf("sync: %+v", r)
	}
	return NewIndex(store, embedder, nil)
}

func TestIndexSearchRanksSimilarJourneys(t *testing.T) {
	index := buildTestIndex(t)
	matches, err := index.Search(context.Background(), "fever cough", 2, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	for _, m := range matches {
		if m.ID == "P2" {
			t.Fatalf("unrelated journey ranked in top 2: %+v", matches)
		}
	}
}

func TestIndexSearchRestrictsToPatients(t *testing.T) {
	index := buildTestIndex(t)
	matches, err := index.Search(context.Background(), "fever cough", 5, []string{"P2"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "P2" {
		t.Fatalf("expected only P2, got %+v", matches)
	}
}

func TestIndexSearchWithThreshold(t *testing.T) {
	index := buildTestIndex(t)
	matches, err := index.SearchWithThreshold(context.Background(), "fever cough", 0, 0.3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, m := range matches {
		if m.Score < 0.3 {
			t.Fatalf("match below threshold: %+v", m)
		}
	}
	if len(matches) == 0 {
		t.Fatal("expected at least one match above threshold")
	}
}

func TestIndexSearchWithNonPositiveThreshold(t *testing.T) {
	index := buildTestIndex(t)
	ctx := context.Background()
	all, err := index.SearchWithThreshold(ctx, "fracture", 5, -1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("negative floor should keep every journey, got %+v", all)
	}
	zero, err := index.SearchWithThreshold(ctx, "fracture", 5, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, m := range zero {
		if m.Score < 0 {
			t.Fatalf("match below zero floor: %+v", m)
		}
	}
	defaulted, err := index.SearchWithThreshold(ctx, "fracture", 5, DefaultMinScore)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(zero) < len(defaulted) {
		t.Fatalf("zero floor returned fewer matches (%d) than the default (%d)", len(zero), len(defaulted))
	}
}

func TestIndexRejectsEmptyQuery(t *testing.T) {
	index := buildTestIndex(t)
	if _, err := index.Search(context.Background(), "  ", 3, nil); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestIndexFetchAndAll(t *testing.T) {
	index := buildTestIndex(t)
	ctx := context.Background()
	byID, err := index.Fetch(ctx, []string{"P3"}, 0)
	if err != nil || len(byID) != 1 || byID[0].ID != "P3" {
		t.Fatalf("fetch by id: %+v %v", byID, err)
	}
	first, err := index.Fetch(ctx, nil, 2)
	if err != nil || len(first) != 2 || first[0].ID != "P1" {
		t.Fatalf("fetch limited: %+v %v", first, err)
	}
	all, err := index.All(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("all: %d %v", len(all), err)
	}
	if len(all[0].Embedding) != 64 {
		t.Fatalf("expected embeddings included, got %d dims", len(all[0].Embedding))
	}
}
