package vector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
)

const entriesFile = "entries.jsonl"

// LocalStore keeps entries in a directory as an append-only JSON lines file
// and serves queries from memory.
type LocalStore struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	file    *os.File
	entries []Entry
	index   map[string]int
}

// OpenLocal loads or creates the store in dir. A torn last line left by an
// interrupted append is dropped.
func OpenLocal(dir string, logger *slog.Logger) (*LocalStore, error) {
	logger = common.LoggerOr(logger)
	if dir == "" {
		return nil, errors.New("vector: store directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vector: create store dir: %w", err)
	}
	path := filepath.Join(dir, entriesFile)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vector: open store: %w", err)
	}
	s := &LocalStore{dir: dir, logger: logger, file: file, index: make(map[string]int)}
	if err := s.load(); err != nil {
		file.Close()
		return nil, err
	}
	logger.Info("vector: local store opened", "dir", dir, "entries", len(s.entries))
	return s, nil
}

func (s *LocalStore) load() error {
	reader := bufio.NewReaderSize(s.file, 64<<10)
	var offset int64
	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				s.logger.Warn("vector: dropping incomplete trailing entry", "dir", s.dir, "line", lineNo, "bytes", len(line))
				if terr := s.file.Truncate(offset); terr != nil {
					return fmt.Errorf("vector: truncate torn entry: %w", terr)
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("vector: read store: %w", err)
		}
		offset += int64(len(line))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(trimmed, &entry); err != nil {
			return fmt.Errorf("vector: decode entry on line %d: %w", lineNo, err)
		}
		if _, dup := s.index[entry.ID]; dup {
			continue
		}
		s.index[entry.ID] = len(s.entries)
		s.entries = append(s.entries, entry)
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("vector: seek store: %w", err)
	}
	return nil
}

func (s *LocalStore) IDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.entries))
	for i, e := range s.entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// Add appends entries whose ids are not stored yet and syncs the file before
// making them visible.
func (s *LocalStore) Add(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("vector: store closed")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	fresh := make([]Entry, 0, len(entries))
	batch := make(map[string]bool, len(entries))
	for _, e := range entries {
		if _, ok := s.index[e.ID]; ok || batch[e.ID] {
			continue
		}
		if len(e.Embedding) == 0 {
			return fmt.Errorf("vector: entry %s has no embedding", e.ID)
		}
		batch[e.ID] = true
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("vector: encode entry %s: %w", e.ID, err)
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return nil
	}
	if _, err := s.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("vector: append entries: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("vector: sync store: %w", err)
	}
	for _, e := range fresh {
		s.index[e.ID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, ids []string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(ids) > 0 {
		out := make([]Entry, 0, len(ids))
		for _, id := range ids {
			if idx, ok := s.index[id]; ok {
				out = append(out, s.entries[idx])
			}
		}
		return out, nil
	}
	n := len(s.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, s.entries[:n])
	return out, nil
}

func (s *LocalStore) Query(ctx context.Context, vector []float64, k int, filter Filter) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]Match, 0, len(s.entries))
	for _, e := range s.entries {
		if !filter.matches(e) {
			continue
		}
		matches = append(matches, Match{Entry: e, Score: cosine(vector, e.Embedding)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if k > 0 && k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *LocalStore) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Dir returns the directory backing the store.
func (s *LocalStore) Dir() string {
	return s.dir
}

var _ Backend = (*LocalStore)(nil)
