package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	sqlCreateTables = `
        CREATE TABLE IF NOT EXISTS wayfinder_snapshots (
            id BIGSERIAL PRIMARY KEY,
            session_id TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            snapshot JSONB NOT NULL
        );
        CREATE INDEX IF NOT EXISTS wayfinder_snapshots_session ON wayfinder_snapshots (session_id, id);
        CREATE TABLE IF NOT EXISTS wayfinder_graphs (
            id BIGSERIAL PRIMARY KEY,
            session_id TEXT NOT NULL,
            url_hash TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            graph JSONB NOT NULL
        );
        CREATE INDEX IF NOT EXISTS wayfinder_graphs_session ON wayfinder_graphs (session_id, url_hash, id);
    `
	sqlInsertSnapshot = `
        INSERT INTO wayfinder_snapshots (session_id, created_at, snapshot)
        VALUES ($1, $2, $3);
    `
	sqlInsertGraph = `
        INSERT INTO wayfinder_graphs (session_id, url_hash, created_at, graph)
        VALUES ($1, $2, $3, $4);
    `
	sqlLatestSnapshot = `
        SELECT snapshot FROM wayfinder_snapshots
        WHERE session_id = $1
        ORDER BY id DESC
        LIMIT 1;
    `
	sqlLatestGraphs = `
        SELECT DISTINCT ON (url_hash) graph FROM wayfinder_graphs
        WHERE session_id = $1
        ORDER BY url_hash, id DESC;
    `
)

// PostgresStore keeps snapshots and graphs as JSONB rows.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

var _ schemas.SessionStore = (*PostgresStore)(nil)

// NewPostgresStore verifies the connection and ensures the tables exist.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateTables); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, log: logger.Named("postgres_store"), now: time.Now}, nil
}

func (s *PostgresStore) AppendSnapshot(ctx context.Context, session *schemas.ExplorationSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlInsertSnapshot, session.Metadata.SessionID, s.now().UTC(), data); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveGraph(ctx context.Context, sessionID string, g *schemas.InteractionGraph) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlInsertGraph, sessionID, g.URLHash, s.now().UTC(), data); err != nil {
		return fmt.Errorf("failed to insert graph: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadLatest(ctx context.Context, sessionID string) (*schemas.ExplorationSession, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, sqlLatestSnapshot, sessionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func (s *PostgresStore) LoadGraphs(ctx context.Context, sessionID string) ([]*schemas.InteractionGraph, error) {
	rows, err := s.pool.Query(ctx, sqlLatestGraphs, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query graphs: %w", err)
	}
	defer rows.Close()

	out := []*schemas.InteractionGraph{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan graph: %w", err)
		}
		g, err := decodeGraph(data)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read graphs: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
