package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/crawlerclient"
	"github.com/JakeFAU/crawl-supervisor/internal/storage/memory"
	"github.com/JakeFAU/crawl-supervisor/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("session-%d", s.n), nil
}

// fakeCrawler records control calls and serves a configurable snapshot.
type fakeCrawler struct {
	mu       sync.Mutex
	snapshot crawl.Snapshot
	results  map[string]crawlerclient.Result
	calls    []string
	webhook  string
	started  crawl.Session
	outputs  map[int]crawl.StepOutput
}

func newFakeCrawler() *fakeCrawler {
	return &fakeCrawler{
		snapshot: crawl.Snapshot{Status: crawl.StatusIdle, Connected: true},
		results:  map[string]crawlerclient.Result{},
	}
}

func (f *fakeCrawler) setStatus(status crawl.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot.Status = status
}

func (f *fakeCrawler) fail(action, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[action] = crawlerclient.Result{Error: reason}
}

func (f *fakeCrawler) GetStatus(context.Context) (crawl.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

func (f *fakeCrawler) call(action string) crawlerclient.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action)
	if res, ok := f.results[action]; ok {
		return res
	}
	return crawlerclient.Result{Success: true, JobID: "job-1"}
}

func (f *fakeCrawler) Start(_ context.Context, session crawl.Session, webhookURL string) crawlerclient.Result {
	f.mu.Lock()
	f.webhook = webhookURL
	f.started = session
	f.mu.Unlock()
	return f.call("start")
}

func (f *fakeCrawler) StepOutput(_ context.Context, step int) (crawl.StepOutput, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.outputs[step]
	return out, ok
}

func (f *fakeCrawler) setOutput(step int, out crawl.StepOutput) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outputs == nil {
		f.outputs = map[int]crawl.StepOutput{}
	}
	f.outputs[step] = out
}

func (f *fakeCrawler) Pause(context.Context) crawlerclient.Result  { return f.call("pause") }
func (f *fakeCrawler) Resume(context.Context) crawlerclient.Result { return f.call("resume") }
func (f *fakeCrawler) Stop(context.Context) crawlerclient.Result   { return f.call("stop") }
func (f *fakeCrawler) Reset(context.Context) crawlerclient.Result  { return f.call("reset") }
func (f *fakeCrawler) Backup(context.Context) crawlerclient.Result { return f.call("backup") }

// recordingNotifier captures broadcasts and the rows present at the moment a
// completion broadcast is sent.
type recordingNotifier struct {
	mu            sync.Mutex
	repo          store.Repository
	updates       []crawl.Update
	completions   []crawl.Completion
	rowsAtFinish  []crawl.StepProgress
	failBroadcast bool
}

func (n *recordingNotifier) Broadcast(_ context.Context, _ string, update crawl.Update) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, update)
	if n.failBroadcast {
		return errors.New("no subscribers")
	}
	return nil
}

func (n *recordingNotifier) BroadcastCompletion(ctx context.Context, sessionID string, completion crawl.Completion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completions = append(n.completions, completion)
	if n.repo != nil {
		rows, err := n.repo.ListSteps(ctx, sessionID)
		if err != nil {
			return err
		}
		n.rowsAtFinish = rows
	}
	if n.failBroadcast {
		return errors.New("no subscribers")
	}
	return nil
}

func (n *recordingNotifier) updateCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.updates)
}

type recordingArchiver struct {
	mu      sync.Mutex
	reports []crawl.Report
}

func (a *recordingArchiver) Archive(_ context.Context, report crawl.Report) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, report)
	return nil
}

type harness struct {
	repo       *memory.CrawlStore
	crawler    *fakeCrawler
	notifier   *recordingNotifier
	archiver   *recordingArchiver
	clock      *fakeClock
	engine     *Engine
	controller *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := memory.NewCrawlStore()
	h := &harness{
		repo:     repo,
		crawler:  newFakeCrawler(),
		notifier: &recordingNotifier{repo: repo},
		archiver: &recordingArchiver{},
		clock:    newFakeClock(),
	}
	h.engine = NewEngine(repo, h.crawler, Options{
		Notifier: h.notifier,
		Archiver: h.archiver,
		Outputs:  h.crawler,
		Clock:    h.clock,
	})
	h.controller = NewController(h.engine, repo, h.crawler, &seqIDs{}, nil)
	return h
}

// seedSession stores a session directly, bypassing the controller.
func (h *harness) seedSession(t *testing.T, id string, status crawl.Status) crawl.Session {
	t.Helper()
	now := h.clock.Now()
	session := crawl.Session{
		ID:           id,
		CrawlingType: crawl.CrawlingInitial,
		Status:       status,
		StartedAt:    &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, h.repo.CreateSession(context.Background(), session))
	h.clock.Advance(time.Second)
	return session
}

func (h *harness) steps(t *testing.T, sessionID string) map[int]crawl.StepProgress {
	t.Helper()
	rows, err := h.repo.ListSteps(context.Background(), sessionID)
	require.NoError(t, err)
	out := make(map[int]crawl.StepProgress, len(rows))
	for _, r := range rows {
		out[r.StepNumber] = r
	}
	return out
}

// endingStore ends the session right after a matching step write lands,
// the way a concurrent stop or completion would.
type endingStore struct {
	*memory.CrawlStore
	endAfterStep int
	endWith      crawl.Status
}

func (s *endingStore) UpsertStep(ctx context.Context, update crawl.StepUpdate) (crawl.StepProgress, error) {
	row, err := s.CrawlStore.UpsertStep(ctx, update)
	if err == nil && update.StepNumber == s.endAfterStep {
		status := s.endWith
		ended := update.At
		if _, uerr := s.CrawlStore.UpdateSession(ctx, update.SessionID, store.SessionUpdate{Status: &status, EndedAt: &ended, At: ended}); uerr != nil {
			return row, uerr
		}
	}
	return row, err
}

// completingStore ends the session right after the final backfill, before
// the completion status is written.
type completingStore struct {
	*memory.CrawlStore
	endWith crawl.Status
}

func (s *completingStore) CompleteStepsThrough(ctx context.Context, sessionID string, through int, at time.Time) error {
	if err := s.CrawlStore.CompleteStepsThrough(ctx, sessionID, through, at); err != nil {
		return err
	}
	if through == crawl.StepCount {
		status := s.endWith
		if _, err := s.CrawlStore.UpdateSession(ctx, sessionID, store.SessionUpdate{Status: &status, EndedAt: &at, At: at}); err != nil {
			return err
		}
	}
	return nil
}

// finishingLookupStore completes the active session right after handing it
// out, so the caller always acts on a session that has just ended.
type finishingLookupStore struct {
	*memory.CrawlStore
}

func (s *finishingLookupStore) FindActiveSession(ctx context.Context) (crawl.Session, error) {
	session, err := s.CrawlStore.FindActiveSession(ctx)
	if err != nil {
		return session, err
	}
	completed := crawl.StatusCompleted
	if _, err := s.CrawlStore.UpdateSession(ctx, session.ID, store.SessionUpdate{Status: &completed}); err != nil {
		return crawl.Session{}, err
	}
	return session, nil
}
