package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/capwatch/internal/record"
)

const recordExt = ".json"

var (
	// ErrNotFound is returned for unknown or invalid analysis ids.
	ErrNotFound = errors.New("analysis not found")
	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("corrupt analysis record")
)

// FileStore keeps one JSON document per analysis id under a directory.
// It is safe for concurrent use: writes are atomic renames and reads never
// take locks, so the API can read while the pipeline writes.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted at it.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("empty results directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// Put durably writes rec under id, replacing any previous record.
func (s *FileStore) Put(ctx context.Context, id string, rec record.Record) error {
	if !record.ValidID(id) {
		return fmt.Errorf("invalid analysis id %q", id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return err
	}
	if err := writeFileAtomic(s.path(id), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write record %s: %w", id, err)
	}
	return nil
}

// Get returns the record stored under id.
func (s *FileStore) Get(_ context.Context, id string) (record.Record, error) {
	if !record.ValidID(id) {
		return record.Record{}, ErrNotFound
	}
	return s.read(s.path(id))
}

// Exists reports whether a record is stored under id.
func (s *FileStore) Exists(_ context.Context, id string) (bool, error) {
	if !record.ValidID(id) {
		return false, nil
	}
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// List returns summaries of all readable records, newest first.
// Records that cannot be read are logged and skipped.
func (s *FileStore) List(ctx context.Context) ([]record.Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read results directory: %w", err)
	}
	out := make([]record.Summary, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		rec, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			slog.Warn("Skipping unreadable analysis record", "file", name, "error", err)
			continue
		}
		out = append(out, rec.Summary(id))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *FileStore) read(path string) (record.Record, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return record.Record{}, ErrNotFound
		}
		return record.Record{}, err
	}
	rec := record.Defaults()
	if err := json.Unmarshal(b, &rec); err != nil {
		return record.Record{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	return rec, nil
}
