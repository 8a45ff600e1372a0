// Package textsearch is a keyword (BM25-style) index over the journey
// documents. It complements the vector index for exact terms such as
// diagnosis codes, which embeddings tend to blur.
package textsearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/journey"
)

const (
	fieldText = "text"
	fieldPID  = "pid"
)

// Hit is one keyword match.
type Hit struct {
	ID       string
	Score    float64
	Document journey.Document
}

type indexedDoc struct {
	Text string `json:"text"`
	PID  string `json:"pid"`
}

// Index holds the documents of one pipeline run in memory. It is rebuilt on
// every start; the report file is the source of truth.
type Index struct {
	idx    bleve.Index
	docs   map[string]journey.Document
	logger *slog.Logger
}

func newMapping() *mapping.IndexMappingImpl {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = false
	pid := bleve.NewTextFieldMapping()
	pid.Analyzer = keyword.Name
	pid.Store = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(fieldText, text)
	doc.AddFieldMappingsAt(fieldPID, pid)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Build indexes docs in one batch.
func Build(docs []journey.Document, logger *slog.Logger) (*Index, error) {
	logger = common.LoggerOr(logger)
	idx, err := bleve.NewMemOnly(newMapping())
	if err != nil {
		return nil, fmt.Errorf("textsearch: create index: %w", err)
	}
	out := &Index{idx: idx, docs: make(map[string]journey.Document, len(docs)), logger: logger}
	batch := idx.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID, indexedDoc{Text: doc.Text, PID: doc.Metadata[journey.MetadataPID]}); err != nil {
			idx.Close()
			return nil, fmt.Errorf("textsearch: index %s: %w", doc.ID, err)
		}
		out.docs[doc.ID] = doc
	}
	if err := idx.Batch(batch); err != nil {
		idx.Close()
		return nil, fmt.Errorf("textsearch: write batch: %w", err)
	}
	logger.Info("textsearch: index built", "documents", len(out.docs))
	return out, nil
}

// Search returns up to k documents matching the words of q. A non-empty
// pids list restricts the result to those patients. Ties are broken by id.
func (i *Index) Search(ctx context.Context, q string, k int, pids []string) ([]Hit, error) {
	if strings.TrimSpace(q) == "" {
		return nil, errors.New("textsearch: empty query")
	}
	if k <= 0 {
		k = 5
	}
	match := bleve.NewMatchQuery(q)
	match.SetField(fieldText)
	var root query.Query = match
	if len(pids) > 0 {
		terms := make([]query.Query, len(pids))
		for n, pid := range pids {
			term := bleve.NewTermQuery(pid)
			term.SetField(fieldPID)
			terms[n] = term
		}
		root = bleve.NewConjunctionQuery(match, bleve.NewDisjunctionQuery(terms...))
	}
	req := bleve.NewSearchRequestOptions(root, k, 0, false)
	req.SortBy([]string{"-_score", "_id"})
	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("textsearch: search: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score, Document: i.docs[h.ID]})
	}
	i.logger.Debug("textsearch: search", "k", k, "hits", len(hits), "total", res.Total)
	return hits, nil
}

func (i *Index) Len() int {
	return len(i.docs)
}

func (i *Index) Close() error {
	return i.idx.Close()
}
