package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// FileStore writes one JSON document per save under
// <dir>/<session>/snapshots and <dir>/<session>/graphs/<page>.
type FileStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

var _ schemas.SessionStore = (*FileStore)(nil)

// NewFileStore creates the root directory if needed. A leading ~ is expanded.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		dir = "~/.wayfinder/sessions"
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: expanded, logger: logger.Named("file_store")}, nil
}

// Dir returns the expanded root directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) AppendSnapshot(ctx context.Context, s *schemas.ExplorationSession) error {
	dir, err := f.sessionDir(s.Metadata.SessionID, "snapshots")
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return f.append(dir, data)
}

func (f *FileStore) SaveGraph(ctx context.Context, sessionID string, g *schemas.InteractionGraph) error {
	if err := validName(g.URLHash); err != nil {
		return err
	}
	dir, err := f.sessionDir(sessionID, "graphs", g.URLHash)
	if err != nil {
		return err
	}
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}
	return f.append(dir, data)
}

func (f *FileStore) LoadLatest(ctx context.Context, sessionID string) (*schemas.ExplorationSession, error) {
	if err := validName(sessionID); err != nil {
		return nil, err
	}
	dir := filepath.Join(f.dir, sessionID, "snapshots")
	latest, err := latestRecord(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, err
	}
	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func (f *FileStore) LoadGraphs(ctx context.Context, sessionID string) ([]*schemas.InteractionGraph, error) {
	if err := validName(sessionID); err != nil {
		return nil, err
	}
	root := filepath.Join(f.dir, sessionID, "graphs")
	pages, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*schemas.InteractionGraph{}, nil
		}
		return nil, fmt.Errorf("failed to list graphs: %w", err)
	}
	out := make([]*schemas.InteractionGraph, 0, len(pages))
	for _, p := range pages {
		if !p.IsDir() {
			continue
		}
		latest, err := latestRecord(filepath.Join(root, p.Name()))
		if err != nil {
			f.logger.Warn("Skipping unreadable graph directory", zap.String("page", p.Name()), zap.Error(err))
			continue
		}
		data, err := os.ReadFile(latest)
		if err != nil {
			return nil, fmt.Errorf("failed to read graph: %w", err)
		}
		g, err := decodeGraph(data)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) sessionDir(sessionID string, parts ...string) (string, error) {
	if err := validName(sessionID); err != nil {
		return "", err
	}
	dir := filepath.Join(append([]string{f.dir, sessionID}, parts...)...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// append writes data as the next numbered record in dir. The file appears
// atomically via rename.
func (f *FileStore) append(dir string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	seq := 0
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "%06d.json", &n); err == nil && n > seq {
			seq = n
		}
	}
	name := filepath.Join(dir, fmt.Sprintf("%06d.json", seq+1))

	tmp, err := os.CreateTemp(dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close record: %w", err)
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

// latestRecord returns the highest numbered record in dir.
func latestRecord(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", os.ErrNotExist
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

func validName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid identifier %q", s)
	}
	return nil
}
