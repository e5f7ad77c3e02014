// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// CrawlStore implements store.Repository on top of pgxpool. Step upserts use
// INSERT ... ON CONFLICT so concurrent writers to one (session, step) key are
// serialized by the row lock.
type CrawlStore struct {
	pool pgxPool
}

var _ store.Repository = (*CrawlStore)(nil)

// New creates a CrawlStore using the provided config.
func New(ctx context.Context, cfg Config) (*CrawlStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &CrawlStore{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool) (*CrawlStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CrawlStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *CrawlStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *CrawlStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const sessionColumns = `id, crawling_type, status, started_at, ended_at, COALESCE(external_job_id, ''), created_at, updated_at`

// CreateSession inserts a new session row.
func (s *CrawlStore) CreateSession(ctx context.Context, session crawl.Session) error {
	if session.CrawlingType == "" {
		session.CrawlingType = crawl.CrawlingInitial
	}
	if !session.CrawlingType.Valid() {
		return fmt.Errorf("unknown crawling type %q", session.CrawlingType)
	}
	query := `
		INSERT INTO crawl_sessions (id, crawling_type, status, started_at, ended_at, external_job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $7);
	`
	_, err := s.pool.Exec(ctx, query,
		session.ID,
		string(session.CrawlingType),
		string(session.Status),
		session.StartedAt,
		session.EndedAt,
		session.ExternalJobID,
		session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession loads a session by ID.
func (s *CrawlStore) GetSession(ctx context.Context, id string) (crawl.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM crawl_sessions WHERE id = $1;`
	return s.scanSession(s.pool.QueryRow(ctx, query, id), "get session")
}

// UpdateSession applies the non-nil fields and returns the stored row. With
// update.Unfinished set, terminal sessions are left untouched and
// store.ErrSessionFinished is returned.
func (s *CrawlStore) UpdateSession(ctx context.Context, id string, update store.SessionUpdate) (crawl.Session, error) {
	query := `
		UPDATE crawl_sessions
		SET status = COALESCE($2, status),
			ended_at = COALESCE($3, ended_at),
			external_job_id = COALESCE($4, external_job_id),
			updated_at = $5
		WHERE id = $1 AND (NOT $6 OR status <> ALL($7))
		RETURNING ` + sessionColumns + `;`
	var status *string
	if update.Status != nil {
		val := string(*update.Status)
		status = &val
	}
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, query,
		id,
		status,
		update.EndedAt,
		update.ExternalJobID,
		at,
		update.Unfinished,
		statusStrings(crawl.FinishedStatuses),
	)
	session, err := s.scanSession(row, "update session")
	if errors.Is(err, store.ErrNotFound) && update.Unfinished {
		if _, err := s.GetSession(ctx, id); err == nil {
			return crawl.Session{}, store.ErrSessionFinished
		}
	}
	return session, err
}

// FindActiveSession returns the newest session in an active status.
func (s *CrawlStore) FindActiveSession(ctx context.Context) (crawl.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM crawl_sessions
		WHERE status = ANY($1)
		ORDER BY created_at DESC, id DESC
		LIMIT 1;`
	return s.scanSession(s.pool.QueryRow(ctx, query, statusStrings(crawl.ActiveStatuses)), "find active session")
}

// FindLatestSession returns the newest session of any status.
func (s *CrawlStore) FindLatestSession(ctx context.Context) (crawl.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM crawl_sessions
		ORDER BY created_at DESC, id DESC
		LIMIT 1;`
	return s.scanSession(s.pool.QueryRow(ctx, query), "find latest session")
}

// ListActiveSessions returns active sessions, newest first.
func (s *CrawlStore) ListActiveSessions(ctx context.Context) ([]crawl.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM crawl_sessions
		WHERE status = ANY($1)
		ORDER BY created_at DESC, id DESC;`
	rows, err := s.pool.Query(ctx, query, statusStrings(crawl.ActiveStatuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListSessions returns up to limit sessions, newest first.
func (s *CrawlStore) ListSessions(ctx context.Context, limit int) ([]crawl.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM crawl_sessions
		ORDER BY created_at DESC, id DESC
		LIMIT $1;`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return collectSessions(rows)
}

// MarkStaleSessionsFailed fails active sessions created before cutoff.
func (s *CrawlStore) MarkStaleSessionsFailed(ctx context.Context, cutoff, at time.Time) (int64, error) {
	query := `
		UPDATE crawl_sessions
		SET status = $1, ended_at = $2, updated_at = $2
		WHERE status = ANY($3) AND created_at < $4;`
	tag, err := s.pool.Exec(ctx, query,
		string(crawl.StatusFailed),
		at,
		statusStrings(crawl.ActiveStatuses),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteSession removes a session; step rows cascade.
func (s *CrawlStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crawl_sessions WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteAllSessions removes every session and, through the cascade, every step row.
func (s *CrawlStore) DeleteAllSessions(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM crawl_sessions;`); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	return nil
}

func (s *CrawlStore) scanSession(row pgx.Row, op string) (crawl.Session, error) {
	session, err := scanSessionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Session{}, store.ErrNotFound
		}
		return crawl.Session{}, fmt.Errorf("failed to %s: %w", op, err)
	}
	return session, nil
}

func scanSessionRow(row pgx.Row) (crawl.Session, error) {
	var (
		session      crawl.Session
		crawlingType string
		status       string
	)
	err := row.Scan(
		&session.ID,
		&crawlingType,
		&status,
		&session.StartedAt,
		&session.EndedAt,
		&session.ExternalJobID,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return crawl.Session{}, err
	}
	session.CrawlingType = crawl.CrawlingType(crawlingType)
	session.Status = crawl.Status(status)
	return session, nil
}

func collectSessions(rows pgx.Rows) ([]crawl.Session, error) {
	defer rows.Close()
	var sessions []crawl.Session
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

func statusStrings(statuses []crawl.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
