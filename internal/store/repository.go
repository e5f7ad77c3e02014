package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrSessionFinished is returned when a write targets a session that is
// missing or already terminal.
var ErrSessionFinished = errors.New("session is finished")

// SessionUpdate carries the optional columns changed on a session.
type SessionUpdate struct {
	Status        *crawl.Status
	EndedAt       *time.Time
	ExternalJobID *string
	At            time.Time
	// Unfinished refuses the update with ErrSessionFinished when the stored
	// session is already terminal.
	Unfinished bool
}

// SessionRepository persists crawl sessions and centralizes the lifecycle
// queries ("what counts as active") in one place.
type SessionRepository interface {
	CreateSession(ctx context.Context, session crawl.Session) error
	// GetSession loads a single session or returns ErrNotFound.
	GetSession(ctx context.Context, id string) (crawl.Session, error)
	// UpdateSession applies the non-nil fields and returns the stored row.
	UpdateSession(ctx context.Context, id string, update SessionUpdate) (crawl.Session, error)
	// FindActiveSession returns the most recently created active session.
	FindActiveSession(ctx context.Context) (crawl.Session, error)
	// FindLatestSession returns the most recently created session of any status.
	FindLatestSession(ctx context.Context) (crawl.Session, error)
	// ListActiveSessions returns every active session, newest first.
	ListActiveSessions(ctx context.Context) ([]crawl.Session, error)
	// ListSessions returns up to limit sessions, newest first.
	ListSessions(ctx context.Context, limit int) ([]crawl.Session, error)
	// MarkStaleSessionsFailed fails active sessions created before cutoff.
	MarkStaleSessionsFailed(ctx context.Context, cutoff, at time.Time) (int64, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteAllSessions(ctx context.Context) error
}

// ProgressRepository persists per-step progress rows keyed by
// (session_id, step_number). Writes are serialized per key and refused with
// ErrSessionFinished once the owning session is terminal.
type ProgressRepository interface {
	// UpsertStep finds or creates the row and applies last-write-wins values.
	UpsertStep(ctx context.Context, update crawl.StepUpdate) (crawl.StepProgress, error)
	// CompleteStepsThrough forces steps 1..through to 100%/completed.
	CompleteStepsThrough(ctx context.Context, sessionID string, through int, at time.Time) error
	// ListSteps returns the session's rows ordered by step number.
	ListSteps(ctx context.Context, sessionID string) ([]crawl.StepProgress, error)
	// RecordStepOutput stores completion metadata on an existing row.
	RecordStepOutput(ctx context.Context, sessionID string, step int, output crawl.StepOutput, at time.Time) error
	// HighestRunningStep returns the highest running step number, or 0.
	HighestRunningStep(ctx context.Context, sessionID string) (int, error)
	DeleteSteps(ctx context.Context, sessionID string) error
	DeleteAllSteps(ctx context.Context) error
}

// Repository groups both stores behind one handle.
type Repository interface {
	SessionRepository
	ProgressRepository
	Ping(ctx context.Context) error
}
