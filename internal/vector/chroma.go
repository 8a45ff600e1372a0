package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
)

var (
	errNotFound = errors.New("resource not found")
	errConflict = errors.New("resource conflict")
)

const chromaPageSize = 1000

// ChromaStore stores entries in a ChromaDB collection over the v1 REST API.
// The server owns persistence, so Persist is a no-op.
type ChromaStore struct {
	httpClient *http.Client
	transport  *http.Transport
	logger     *slog.Logger

	baseURL    string
	collection string
	apiKey     string

	mu           sync.RWMutex
	collectionID string
}

// NewChroma builds a client. An unreachable server is logged, not returned:
// every operation retries the connection, so a later run can catch up.
func NewChroma(ctx context.Context, cfg ChromaConfig, logger *slog.Logger) *ChromaStore {
	cfg.applyDefaults()
	logger = common.LoggerOr(logger)
	transport := &http.Transport{
		MaxIdleConns:        cfg.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: cfg.HTTPMaxIdlePerHost,
		IdleConnTimeout:     cfg.HTTPIdleConnTimeout,
	}
	c := &ChromaStore{
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		transport:  transport,
		logger:     logger,
		baseURL:    fmt.Sprintf("%s://%s:%s/api/v1", cfg.Scheme, cfg.Host, cfg.Port),
		collection: cfg.Collection,
		apiKey:     cfg.APIKey,
	}
	logger.Info("vector: initializing chromadb client", "host", cfg.Host, "port", cfg.Port, "collection", cfg.Collection)
	if err := c.ensureReady(ctx); err != nil {
		logger.Warn("vector: chromadb not ready", "collection", cfg.Collection, "error", err)
	}
	return c
}

func (c *ChromaStore) ensureReady(ctx context.Context) error {
	c.mu.RLock()
	ready := c.collectionID != ""
	c.mu.RUnlock()
	if ready {
		return nil
	}
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = c.doRequest(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil, nil); err == nil || attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 250 * time.Millisecond):
		}
	}
	if err != nil {
		return fmt.Errorf("chromadb heartbeat: %w", err)
	}
	id, err := c.findCollection(ctx)
	if err != nil {
		return err
	}
	if id == "" {
		if id, err = c.createCollection(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.collectionID = id
	c.mu.Unlock()
	return nil
}

func (c *ChromaStore) findCollection(ctx context.Context) (string, error) {
	var resp []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/collections", nil, &resp); err != nil {
		return "", err
	}
	for _, col := range resp {
		if col.Name == c.collection {
			return col.ID, nil
		}
	}
	return "", nil
}

func (c *ChromaStore) createCollection(ctx context.Context) (string, error) {
	payload := map[string]any{
		"name":     c.collection,
		"metadata": map[string]string{"hnsw:space": "cosine"},
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/collections", payload, &resp); err != nil {
		if errors.Is(err, errConflict) {
			return c.findCollection(ctx)
		}
		return "", err
	}
	return resp.ID, nil
}

func (c *ChromaStore) endpoint(op string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s/collections/%s/%s", c.baseURL, url.PathEscape(c.collectionID), op)
}

type chromaGetResponse struct {
	IDs        []string            `json:"ids"`
	Embeddings [][]float64         `json:"embeddings"`
	Documents  []string            `json:"documents"`
	Metadatas  []map[string]string `json:"metadatas"`
}

func (r chromaGetResponse) entries() []Entry {
	out := make([]Entry, len(r.IDs))
	for i, id := range r.IDs {
		out[i].ID = id
		if i < len(r.Embeddings) {
			out[i].Embedding = r.Embeddings[i]
		}
		if i < len(r.Documents) {
			out[i].Document = r.Documents[i]
		}
		if i < len(r.Metadatas) {
			out[i].Metadata = r.Metadatas[i]
		}
	}
	return out
}

func (c *ChromaStore) IDs(ctx context.Context) ([]string, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	var ids []string
	for offset := 0; ; offset += chromaPageSize {
		var resp chromaGetResponse
		body := map[string]any{"limit": chromaPageSize, "offset": offset, "include": []string{}}
		if err := c.doRequest(ctx, http.MethodPost, c.endpoint("get"), body, &resp); err != nil {
			return nil, err
		}
		ids = append(ids, resp.IDs...)
		if len(resp.IDs) < chromaPageSize {
			return ids, nil
		}
	}
}

func (c *ChromaStore) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	var payload chromaGetResponse
	for _, e := range entries {
		payload.IDs = append(payload.IDs, e.ID)
		payload.Embeddings = append(payload.Embeddings, e.Embedding)
		payload.Documents = append(payload.Documents, e.Document)
		payload.Metadatas = append(payload.Metadatas, e.Metadata)
	}
	return c.doRequest(ctx, http.MethodPost, c.endpoint("add"), payload, nil)
}

func (c *ChromaStore) Get(ctx context.Context, ids []string, limit int) ([]Entry, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	body := map[string]any{"include": []string{"embeddings", "documents", "metadatas"}}
	switch {
	case len(ids) > 0:
		body["ids"] = ids
	case limit > 0:
		body["limit"] = limit
	}
	var resp chromaGetResponse
	if err := c.doRequest(ctx, http.MethodPost, c.endpoint("get"), body, &resp); err != nil {
		return nil, err
	}
	return resp.entries(), nil
}

func (c *ChromaStore) Query(ctx context.Context, vector []float64, k int, filter Filter) ([]Match, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	body := map[string]any{
		"query_embeddings": [][]float64{vector},
		"n_results":        k,
		"include":          []string{"embeddings", "documents", "metadatas", "distances"},
	}
	if !filter.empty() {
		body["where"] = map[string]any{filter.Field: map[string]any{"$in": filter.In}}
	}
	var resp struct {
		IDs        [][]string            `json:"ids"`
		Embeddings [][][]float64         `json:"embeddings"`
		Documents  [][]string            `json:"documents"`
		Metadatas  [][]map[string]string `json:"metadatas"`
		Distances  [][]float64           `json:"distances"`
	}
	if err := c.doRequest(ctx, http.MethodPost, c.endpoint("query"), body, &resp); err != nil {
		return nil, err
	}
	if len(resp.IDs) == 0 {
		return nil, nil
	}
	page := chromaGetResponse{IDs: resp.IDs[0]}
	if len(resp.Embeddings) > 0 {
		page.Embeddings = resp.Embeddings[0]
	}
	if len(resp.Documents) > 0 {
		page.Documents = resp.Documents[0]
	}
	if len(resp.Metadatas) > 0 {
		page.Metadatas = resp.Metadatas[0]
	}
	entries := page.entries()
	matches := make([]Match, len(entries))
	for i, e := range entries {
		matches[i].Entry = e
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			// cosine space: distance = 1 - similarity
			matches[i].Score = 1 - resp.Distances[0][i]
		}
	}
	return matches, nil
}

func (c *ChromaStore) Persist(ctx context.Context) error {
	return nil
}

func (c *ChromaStore) Close() error {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	return nil
}

func (c *ChromaStore) doRequest(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode == http.StatusConflict:
		return errConflict
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chromadb %s %s failed: %s", method, endpoint, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ Backend = (*ChromaStore)(nil)
