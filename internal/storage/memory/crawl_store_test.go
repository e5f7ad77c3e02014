package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/store"
)

func TestCrawlStoreSessionLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCrawlStore()
	base := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.CreateSession(ctx, crawl.Session{ID: "old", Status: crawl.StatusCompleted, CreatedAt: base}))
	require.NoError(t, s.CreateSession(ctx, crawl.Session{ID: "new", Status: crawl.StatusRunning, CreatedAt: base.Add(time.Minute)}))
	require.Error(t, s.CreateSession(ctx, crawl.Session{ID: "new"}))

	active, err := s.FindActiveSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "new", active.ID)

	paused := crawl.StatusPaused
	jobID := "job-7"
	updated, err := s.UpdateSession(ctx, "new", store.SessionUpdate{Status: &paused, ExternalJobID: &jobID, At: base})
	require.NoError(t, err)
	require.Equal(t, crawl.StatusPaused, updated.Status)
	require.Equal(t, "job-7", updated.ExternalJobID)

	_, err = s.GetSession(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	sessions, err := s.ListSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "new", sessions[0].ID)

	require.NoError(t, s.DeleteSession(ctx, "new"))
	latest, err := s.FindLatestSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "old", latest.ID)
	_, err = s.FindActiveSession(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCrawlStoreMarkStaleSessionsFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCrawlStore()
	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.CreateSession(ctx, crawl.Session{ID: "stale", Status: crawl.StatusRunning, CreatedAt: now.Add(-96 * time.Hour)}))
	require.NoError(t, s.CreateSession(ctx, crawl.Session{ID: "fresh", Status: crawl.StatusRunning, CreatedAt: now.Add(-time.Hour)}))

	n, err := s.MarkStaleSessionsFailed(ctx, now.Add(-72*time.Hour), now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	stale, err := s.GetSession(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, stale.Status)
	require.NotNil(t, stale.EndedAt)

	fresh, err := s.GetSession(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusRunning, fresh.Status)
}

func TestCrawlStoreUpsertAndBackfill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCrawlStore()
	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.CreateSession(ctx, crawl.Session{ID: "s1", Status: crawl.StatusRunning, CreatedAt: now}))

	row, err := s.UpsertStep(ctx, crawl.StepUpdate{SessionID: "s1", StepNumber: 1, Progress: 10, Message: "a", At: now})
	require.NoError(t, err)
	require.Equal(t, crawl.StepRunning, row.Status)
	require.Equal(t, crawl.StepName(1), row.StepName)

	row, err = s.UpsertStep(ctx, crawl.StepUpdate{SessionID: "s1", StepNumber: 1, Progress: 5, Message: "b", At: now.Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, 5, row.CurrentProgress)
	require.Equal(t, now, *row.StartedAt)

	_, err = s.UpsertStep(ctx, crawl.StepUpdate{SessionID: "s1", StepNumber: 3, Progress: 40, At: now})
	require.NoError(t, err)
	highest, err := s.HighestRunningStep(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 3, highest)

	require.NoError(t, s.CompleteStepsThrough(ctx, "s1", 2, now))
	rows, err := s.ListSteps(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, 100, rows[0].CurrentProgress)
	require.Equal(t, crawl.StepCompleted, rows[1].Status)
	require.Equal(t, "b", rows[0].Message)
	require.Equal(t, 40, rows[2].CurrentProgress)

	require.NoError(t, s.DeleteSteps(ctx, "s1"))
	rows, err = s.ListSteps(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestCrawlStoreRefusesWritesToFinishedSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCrawlStore()
	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.CreateSession(ctx, crawl.Session{ID: "s1", Status: crawl.StatusStopped, CreatedAt: now}))

	_, err := s.UpsertStep(ctx, crawl.StepUpdate{SessionID: "s1", StepNumber: 1, Progress: 10, At: now})
	require.True(t, errors.Is(err, store.ErrSessionFinished))
	require.ErrorIs(t, s.CompleteStepsThrough(ctx, "s1", 4, now), store.ErrSessionFinished)

	_, err = s.UpsertStep(ctx, crawl.StepUpdate{SessionID: "missing", StepNumber: 1, At: now})
	require.ErrorIs(t, err, store.ErrSessionFinished)
}

func TestCrawlStoreUnfinishedUpdateKeepsTerminalStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCrawlStore()
	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.CreateSession(ctx, crawl.Session{ID: "s1", Status: crawl.StatusStopped, CreatedAt: now}))

	completed := crawl.StatusCompleted
	_, err := s.UpdateSession(ctx, "s1", store.SessionUpdate{Status: &completed, Unfinished: true, At: now})
	require.ErrorIs(t, err, store.ErrSessionFinished)

	session, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusStopped, session.Status)

	_, err = s.UpdateSession(ctx, "missing", store.SessionUpdate{Status: &completed, Unfinished: true, At: now})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCrawlStoreRejectsUnknownCrawlingType(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCrawlStore()
	require.Error(t, s.CreateSession(ctx, crawl.Session{ID: "s1", CrawlingType: "weekly"}))

	require.NoError(t, s.CreateSession(ctx, crawl.Session{ID: "s2"}))
	session, err := s.GetSession(ctx, "s2")
	require.NoError(t, err)
	require.Equal(t, crawl.CrawlingInitial, session.CrawlingType)
}

func TestCrawlStoreRecordStepOutput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCrawlStore()
	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.CreateSession(ctx, crawl.Session{ID: "s1", Status: crawl.StatusRunning, CreatedAt: now}))
	require.NoError(t, s.CompleteStepsThrough(ctx, "s1", 4, now))

	records := int64(42)
	output := crawl.StepOutput{
		Files:       []string{"lab-shop.db"},
		FileSizes:   map[string]int64{"lab-shop.db": 1024},
		RecordCount: &records,
	}
	require.NoError(t, s.RecordStepOutput(ctx, "s1", 4, output, now.Add(time.Second)))
	records = 0

	steps, err := s.ListSteps(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, steps, 4)
	require.Equal(t, []string{"lab-shop.db"}, steps[3].OutputFiles)
	require.Equal(t, int64(1024), steps[3].OutputFileSizes["lab-shop.db"])
	require.NotNil(t, steps[3].RecordCount)
	require.EqualValues(t, 42, *steps[3].RecordCount)

	require.ErrorIs(t, s.RecordStepOutput(ctx, "s1", 9, output, now), store.ErrNotFound)

	stopped := crawl.StatusStopped
	_, err = s.UpdateSession(ctx, "s1", store.SessionUpdate{Status: &stopped, At: now})
	require.NoError(t, err)
	require.ErrorIs(t, s.RecordStepOutput(ctx, "s1", 4, output, now), store.ErrSessionFinished)
}
