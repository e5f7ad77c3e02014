package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/store"
)

const stepColumns = `session_id, step_number, step_name, status, current_progress, message,
	started_at, completed_at, output_files, output_file_sizes, record_count, is_resumable, updated_at`

// UpsertStep finds or creates the (session, step) row. The insert selects
// from crawl_sessions so a row is only written while the session is not
// terminal; otherwise store.ErrSessionFinished is returned.
func (s *CrawlStore) UpsertStep(ctx context.Context, update crawl.StepUpdate) (crawl.StepProgress, error) {
	query := `
		INSERT INTO crawl_step_progress AS p
			(session_id, step_number, step_name, status, current_progress, message, started_at, completed_at, updated_at)
		SELECT s.id, $2, $3, $4, $5, $6, $7, $8, $7
		FROM crawl_sessions s
		WHERE s.id = $1 AND s.status <> ALL($9)
		ON CONFLICT (session_id, step_number) DO UPDATE SET
			status = EXCLUDED.status,
			current_progress = EXCLUDED.current_progress,
			message = EXCLUDED.message,
			started_at = COALESCE(p.started_at, EXCLUDED.started_at),
			completed_at = CASE
				WHEN EXCLUDED.status = 'completed' THEN COALESCE(p.completed_at, EXCLUDED.completed_at)
				ELSE NULL
			END,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + stepColumns + `;`

	progress := crawl.ClampProgress(update.Progress)
	state := crawl.StepRunning
	var completedAt *time.Time
	if progress >= 100 {
		state = crawl.StepCompleted
		completedAt = &update.At
	}
	row := s.pool.QueryRow(ctx, query,
		update.SessionID,
		update.StepNumber,
		crawl.StepName(update.StepNumber),
		string(state),
		progress,
		update.Message,
		update.At,
		completedAt,
		statusStrings(crawl.FinishedStatuses),
	)
	step, err := scanStepRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.StepProgress{}, store.ErrSessionFinished
		}
		return crawl.StepProgress{}, fmt.Errorf("failed to upsert step: %w", err)
	}
	return step, nil
}

// CompleteStepsThrough forces steps 1..through to 100%/completed, creating
// missing rows. Existing messages are preserved.
func (s *CrawlStore) CompleteStepsThrough(ctx context.Context, sessionID string, through int, at time.Time) error {
	if through < 1 {
		return nil
	}
	if through > crawl.StepCount {
		through = crawl.StepCount
	}
	numbers := make([]int32, 0, through)
	names := make([]string, 0, through)
	for n := 1; n <= through; n++ {
		numbers = append(numbers, int32(n))
		names = append(names, crawl.StepName(n))
	}
	query := `
		INSERT INTO crawl_step_progress AS p
			(session_id, step_number, step_name, status, current_progress, started_at, completed_at, updated_at)
		SELECT s.id, n.step_number, n.step_name, 'completed', 100, $4, $4, $4
		FROM crawl_sessions s
		CROSS JOIN unnest($2::int[], $3::text[]) AS n(step_number, step_name)
		WHERE s.id = $1 AND s.status <> ALL($5)
		ON CONFLICT (session_id, step_number) DO UPDATE SET
			status = 'completed',
			current_progress = 100,
			started_at = COALESCE(p.started_at, EXCLUDED.started_at),
			completed_at = COALESCE(p.completed_at, EXCLUDED.completed_at),
			updated_at = EXCLUDED.updated_at
		WHERE p.current_progress < 100;`
	tag, err := s.pool.Exec(ctx, query, sessionID, numbers, names, at, statusStrings(crawl.FinishedStatuses))
	if err != nil {
		return fmt.Errorf("failed to backfill steps: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.writableSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// RecordStepOutput stores completion metadata on an existing row. Writes to
// terminal sessions are refused with store.ErrSessionFinished and a missing
// row yields store.ErrNotFound.
func (s *CrawlStore) RecordStepOutput(ctx context.Context, sessionID string, step int, output crawl.StepOutput, at time.Time) error {
	query := `
		UPDATE crawl_step_progress AS p
		SET output_files = $3,
			output_file_sizes = $4,
			record_count = $5,
			is_resumable = $6,
			updated_at = $7
		FROM crawl_sessions s
		WHERE p.session_id = $1 AND p.step_number = $2
			AND s.id = p.session_id AND s.status <> ALL($8);`
	files := output.Files
	if files == nil {
		files = []string{}
	}
	sizes := output.FileSizes
	if sizes == nil {
		sizes = map[string]int64{}
	}
	tag, err := s.pool.Exec(ctx, query,
		sessionID,
		step,
		files,
		sizes,
		output.RecordCount,
		output.Resumable,
		at,
		statusStrings(crawl.FinishedStatuses),
	)
	if err != nil {
		return fmt.Errorf("failed to record step output: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.writableSession(ctx, sessionID); err != nil {
			return err
		}
		return store.ErrNotFound
	}
	return nil
}

// ListSteps returns the session's rows ordered by step number.
func (s *CrawlStore) ListSteps(ctx context.Context, sessionID string) ([]crawl.StepProgress, error) {
	query := `SELECT ` + stepColumns + ` FROM crawl_step_progress WHERE session_id = $1 ORDER BY step_number;`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []crawl.StepProgress
	for rows.Next() {
		step, err := scanStepRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate steps: %w", err)
	}
	return steps, nil
}

// HighestRunningStep returns the highest running step number, or 0.
func (s *CrawlStore) HighestRunningStep(ctx context.Context, sessionID string) (int, error) {
	query := `
		SELECT COALESCE(MAX(step_number), 0)
		FROM crawl_step_progress
		WHERE session_id = $1 AND status = $2;`
	var step int
	if err := s.pool.QueryRow(ctx, query, sessionID, string(crawl.StepRunning)).Scan(&step); err != nil {
		return 0, fmt.Errorf("failed to find running step: %w", err)
	}
	return step, nil
}

// DeleteSteps purges the session's rows.
func (s *CrawlStore) DeleteSteps(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM crawl_step_progress WHERE session_id = $1;`, sessionID); err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}
	return nil
}

// DeleteAllSteps purges every step row.
func (s *CrawlStore) DeleteAllSteps(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM crawl_step_progress;`); err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}
	return nil
}

// writableSession distinguishes "nothing needed backfilling" from a refused write.
func (s *CrawlStore) writableSession(ctx context.Context, sessionID string) (crawl.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return crawl.Session{}, store.ErrSessionFinished
	}
	if err != nil {
		return crawl.Session{}, err
	}
	if session.Status.IsFinished() {
		return crawl.Session{}, store.ErrSessionFinished
	}
	return session, nil
}

func scanStepRow(row pgx.Row) (crawl.StepProgress, error) {
	var (
		step  crawl.StepProgress
		state string
	)
	err := row.Scan(
		&step.SessionID,
		&step.StepNumber,
		&step.StepName,
		&state,
		&step.CurrentProgress,
		&step.Message,
		&step.StartedAt,
		&step.CompletedAt,
		&step.OutputFiles,
		&step.OutputFileSizes,
		&step.RecordCount,
		&step.IsResumable,
		&step.UpdatedAt,
	)
	if err != nil {
		return crawl.StepProgress{}, err
	}
	step.Status = crawl.StepState(state)
	return step, nil
}
