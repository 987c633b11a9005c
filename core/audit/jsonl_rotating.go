package audit

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingJSONLStore writes JSONL records through lumberjack, which rolls
// the file over by size and prunes old backups.
type RotatingJSONLStore struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	path   string
}

// RotationOptions bounds the active file and its backups.
type RotationOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewRotatingJSONLStore creates the directory of path when missing.
func NewRotatingJSONLStore(path string, opts RotationOptions) (*RotatingJSONLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &RotatingJSONLStore{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		},
		path: path,
	}, nil
}

// Append writes the record as a single line so a rollover never splits it.
func (s *RotatingJSONLStore) Append(_ context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(append(b, '\n'))
	return err
}

// Rotate closes the active file and starts a new one.
func (s *RotatingJSONLStore) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Rotate()
}

// Query reads the backups oldest first, then the active file. Gzipped
// backups are decompressed on the fly.
func (s *RotatingJSONLStore) Query(ctx context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := s.backups()
	if err != nil {
		return nil, err
	}
	files = append(files, s.path)
	var res []Record
	for _, name := range files {
		res, err = s.scanFile(ctx, name, q, res)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// backups lists rotated files. lumberjack names them
// <name>-<timestamp><ext>[.gz], so lexical order is chronological. A .gz
// whose plain file still exists is being compressed and is skipped.
func (s *RotatingJSONLStore) backups() ([]string, error) {
	ext := filepath.Ext(s.path)
	prefix := strings.TrimSuffix(s.path, ext) + "-"
	plain, err := filepath.Glob(prefix + "*" + ext)
	if err != nil {
		return nil, err
	}
	zipped, err := filepath.Glob(prefix + "*" + ext + ".gz")
	if err != nil {
		return nil, err
	}
	out := plain
	for _, z := range zipped {
		if !slices.Contains(plain, strings.TrimSuffix(z, ".gz")) {
			out = append(out, z)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *RotatingJSONLStore) scanFile(ctx context.Context, name string, q Query, res []Record) ([]Record, error) {
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var r io.Reader = f
	if strings.HasSuffix(name, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return res, nil
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	return scanRecords(ctx, r, q, res)
}

// Close closes the active file.
func (s *RotatingJSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}
