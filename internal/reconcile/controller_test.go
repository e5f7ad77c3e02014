package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/storage/memory"
)

const hookURL = "http://supervisor.local/admin/initial_crawling/webhook"

func TestStartCreatesRunningSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.controller.Start(ctx, hookURL)
	require.NoError(t, err)
	assert.Equal(t, crawl.MsgStarted, res.Message)
	require.NotNil(t, res.Session)
	assert.Equal(t, crawl.StatusRunning, res.Session.Status)
	assert.Equal(t, "job-1", res.Session.ExternalJobID)
	assert.Equal(t, hookURL, h.crawler.webhook)
	assert.Len(t, res.Steps, crawl.StepCount)
	assert.Equal(t, 1, h.notifier.updateCount())

	_, err = h.controller.Start(ctx, hookURL)
	require.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, crawl.MsgAlreadyActive, UserMessage(err))
}

func TestStartFailureDeletesSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.crawler.fail("start", "connection refused")

	_, err := h.controller.Start(ctx, hookURL)
	var ce *ControlError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "start", ce.Action)
	assert.Equal(t, crawl.MsgStartFailed+"connection refused", UserMessage(err))

	sessions, err := h.repo.ListSessions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Zero(t, h.notifier.updateCount())
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.controller.Pause(ctx)
	require.ErrorIs(t, err, ErrNotRunning)
	_, err = h.controller.Resume(ctx)
	require.ErrorIs(t, err, ErrNotPaused)

	_, err = h.controller.Start(ctx, hookURL)
	require.NoError(t, err)

	_, err = h.controller.Resume(ctx)
	require.ErrorIs(t, err, ErrNotPaused)

	res, err := h.controller.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawl.MsgPaused, res.Message)
	assert.Equal(t, crawl.StatusPaused, res.Session.Status)

	res, err = h.controller.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawl.MsgResumed, res.Message)
	assert.Equal(t, crawl.StatusRunning, res.Session.Status)
	assert.Equal(t, []string{"start", "pause", "resume"}, h.crawler.calls)
}

func TestPauseCrawlerFailureKeepsStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seedSession(t, "s1", crawl.StatusRunning)
	h.crawler.fail("pause", "HTTP 500")

	_, err := h.controller.Pause(ctx)
	var ce *ControlError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, crawl.MsgCrawlerFailed+"HTTP 500", UserMessage(err))

	session, err := h.repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, crawl.StatusRunning, session.Status)
}

func TestStopMarksSessionEvenWhenCrawlerUnreachable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seedSession(t, "s1", crawl.StatusPaused)
	_, err := h.engine.HandleWebhook(ctx, Payload{SessionID: "s1", Step: intPtr(2), Progress: intPtr(50)})
	require.NoError(t, err)
	h.crawler.fail("stop", "timeout")

	res, err := h.controller.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawl.MsgStopped, res.Message)
	assert.Equal(t, crawl.StatusStopped, res.Session.Status)
	require.NotNil(t, res.Session.EndedAt)
	assert.Empty(t, h.steps(t, "s1"))
	for _, v := range res.Steps {
		assert.Equal(t, crawl.StepWaiting, v.Status)
	}
}

func TestStopWithoutSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.controller.Stop(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Session)

	h.crawler.fail("stop", "timeout")
	_, err = h.controller.Stop(ctx)
	var ce *ControlError
	require.ErrorAs(t, err, &ce)
}

func TestResetRejectedWhileRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seedSession(t, "s1", crawl.StatusRunning)
	_, err := h.engine.HandleWebhook(ctx, Payload{SessionID: "s1", Step: intPtr(1), Progress: intPtr(40)})
	require.NoError(t, err)

	_, err = h.controller.Reset(ctx)
	require.ErrorIs(t, err, ErrResetWhileActive)
	assert.Equal(t, crawl.MsgResetWhileActive, UserMessage(err))
	assert.True(t, IsRejection(err))
	assert.Len(t, h.steps(t, "s1"), 1)
	assert.NotContains(t, h.crawler.calls, "reset")
}

func TestResetRejectedWhileCrawlerActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedSession(t, "s1", crawl.StatusStopped)
	h.crawler.setStatus(crawl.StatusPaused)

	_, err := h.controller.Reset(context.Background())
	require.ErrorIs(t, err, ErrResetWhileActive)
	_, err = h.repo.GetSession(context.Background(), "s1")
	require.NoError(t, err)
}

func TestResetDeletesEverything(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seedSession(t, "a", crawl.StatusCompleted)
	h.seedSession(t, "b", crawl.StatusStopped)

	res, err := h.controller.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawl.MsgResetDone, res.Message)
	assert.Equal(t, 0, res.Status.CurrentStep)

	sessions, err := h.repo.ListSessions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestResetCrawlerFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seedSession(t, "a", crawl.StatusCompleted)
	h.crawler.fail("reset", "HTTP 503")

	_, err := h.controller.Reset(ctx)
	var ce *ControlError
	require.ErrorAs(t, err, &ce)
	assert.False(t, IsRejection(err))
	sessions, err := h.repo.ListSessions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestStartUsesConfiguredCrawlingType(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	controller := NewController(h.engine, h.repo, h.crawler, &seqIDs{}, nil, WithCrawlingType(crawl.CrawlingDaily))

	res, err := controller.Start(ctx, hookURL)
	require.NoError(t, err)
	assert.Equal(t, crawl.CrawlingDaily, res.Session.CrawlingType)
	assert.Equal(t, crawl.CrawlingDaily, h.crawler.started.CrawlingType)
	assert.Equal(t, res.Session.ID, h.crawler.started.ID)
}

func TestUnknownCrawlingTypeFallsBackToInitial(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	controller := NewController(h.engine, h.repo, h.crawler, &seqIDs{}, nil, WithCrawlingType("weekly"))

	res, err := controller.Start(context.Background(), hookURL)
	require.NoError(t, err)
	assert.Equal(t, crawl.CrawlingInitial, res.Session.CrawlingType)
}

func TestBackup(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seedSession(t, "s1", crawl.StatusRunning)

	res, err := h.controller.Backup(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawl.MsgBackupDone, res.Message)
	require.NotNil(t, res.Session)
	assert.Equal(t, "s1", res.Session.ID)
	assert.Contains(t, h.crawler.calls, "backup")

	session, err := h.repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, crawl.StatusRunning, session.Status)
}

func TestBackupCrawlerFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.crawler.fail("backup", "disk full")

	_, err := h.controller.Backup(context.Background())
	var ce *ControlError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "backup", ce.Action)
	assert.Equal(t, crawl.MsgCrawlerFailed+"disk full", UserMessage(err))
}

func TestStopKeepsSessionThatJustCompleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	repo := &finishingLookupStore{CrawlStore: memory.NewCrawlStore()}
	crawler := newFakeCrawler()
	engine := NewEngine(repo, crawler, Options{Clock: clock})
	controller := NewController(engine, repo, crawler, &seqIDs{}, nil)
	require.NoError(t, repo.CreateSession(ctx, crawl.Session{ID: "s1", Status: crawl.StatusRunning, CreatedAt: clock.Now()}))

	res, err := controller.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawl.MsgStopped, res.Message)

	session, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, crawl.StatusCompleted, session.Status)
}

func TestResumeAfterSessionEndedIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := &finishingLookupStore{CrawlStore: memory.NewCrawlStore()}
	crawler := newFakeCrawler()
	engine := NewEngine(repo, crawler, Options{})
	controller := NewController(engine, repo, crawler, &seqIDs{}, nil)
	require.NoError(t, repo.CreateSession(ctx, crawl.Session{ID: "s1", Status: crawl.StatusPaused}))

	_, err := controller.Resume(ctx)
	require.ErrorIs(t, err, ErrNotPaused)

	session, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, crawl.StatusCompleted, session.Status)
}

func TestUserMessageFallsBackToError(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "boom", UserMessage(errors.New("boom")))
}
