// Package store persists exploration sessions and their interaction graphs.
// Every backend is append-only: saving never rewrites an earlier record.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/config"
)

// ErrNotFound is returned when a session has no stored snapshot.
var ErrNotFound = errors.New("session not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// New opens the backend selected by cfg.
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (schemas.SessionStore, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "file":
		return NewFileStore(cfg.Dir, logger)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("store.database_url is required for the postgres store")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		s, err := NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

// decodeSnapshot parses a stored snapshot and fills missing fields.
func decodeSnapshot(data []byte) (*schemas.ExplorationSession, error) {
	var s schemas.ExplorationSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	s.ApplyDefaults()
	return &s, nil
}

// decodeGraph parses a stored graph. A stored graph is never mid-rebuild.
func decodeGraph(data []byte) (*schemas.InteractionGraph, error) {
	var g schemas.InteractionGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	g.ApplyDefaults()
	g.InProgress = false
	return &g, nil
}
