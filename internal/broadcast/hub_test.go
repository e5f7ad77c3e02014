package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stubSink struct {
	mu      sync.Mutex
	batches [][]Message
	closed  bool
	err     error
}

func newStubSink() *stubSink { return &stubSink{} }

func (s *stubSink) Name() string { return "stub" }

func (s *stubSink) Consume(_ context.Context, batch []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Message(nil), batch...))
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Message(nil), s.batches...)
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleUpdate() crawl.Update {
	return crawl.Update{
		Status: crawl.CanonicalStatus{SessionID: "s1", Status: crawl.StatusRunning, CurrentStep: 1},
		Steps:  crawl.InitialSteps(),
	}
}

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	ctx := context.Background()
	require.NoError(t, hub.Broadcast(ctx, "s1", sampleUpdate()))
	require.NoError(t, hub.Broadcast(ctx, "s1", sampleUpdate()))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	require.NoError(t, hub.Broadcast(context.Background(), "s1", sampleUpdate()))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubMessagesCarryKindAndTimestamp(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 2, MaxBatchWait: time.Minute, Clock: fixedClock{t: now}}, sink)

	ctx := context.Background()
	require.NoError(t, hub.Broadcast(ctx, "s1", sampleUpdate()))
	require.NoError(t, hub.BroadcastCompletion(ctx, "s1", crawl.Completion{
		Message: crawl.MsgCompleted,
		Status:  crawl.CanonicalStatus{Status: crawl.StatusIdle},
		Steps:   crawl.InitialSteps(),
	}))
	require.NoError(t, hub.Close(ctx))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, KindUpdate, batches[0][0].Kind)
	require.Equal(t, KindCompletion, batches[0][1].Kind)
	require.Equal(t, crawl.MsgCompleted, batches[0][1].Notice)
	require.Equal(t, "s1", batches[0][1].SessionID)
	require.Equal(t, now, batches[0][0].TS)
}

func TestHubEmitNonBlockingWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:         Config{Clock: fixedClock{t: time.Now()}},
		messages:    make(chan Message),
		logger:      zap.NewNop(),
		dropLimiter: newTestLimiter(),
	}
	start := time.Now()
	require.NoError(t, hub.Broadcast(context.Background(), "s1", sampleUpdate()))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 0, hub.dropped.Load())
}

func newTestLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Hour), 1)
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	require.NoError(t, hub.Broadcast(context.Background(), "s1", sampleUpdate()))
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, sink.Batches(), 1)
	require.True(t, sink.Closed())
}

func TestHubRejectsAfterClose(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	err := hub.Broadcast(context.Background(), "s1", sampleUpdate())
	require.ErrorIs(t, err, ErrClosed)
}

func TestHubRejectsInvalidMessage(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()
	err := hub.Broadcast(context.Background(), "s1", crawl.Update{Steps: crawl.InitialSteps()[:2]})
	require.Error(t, err)
}

func TestHubSinkErrorDoesNotStopFanOut(t *testing.T) {
	t.Parallel()

	failing := newStubSink()
	failing.err = errors.New("boom")
	healthy := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, failing, healthy)

	require.NoError(t, hub.Broadcast(context.Background(), "s1", sampleUpdate()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, failing.Batches(), 1)
	require.Len(t, healthy.Batches(), 1)
}

func TestMessageTopic(t *testing.T) {
	t.Parallel()

	require.Equal(t, "p:s1", Message{SessionID: "s1"}.Topic("p:"))
	require.Equal(t, "p:global", Message{}.Topic("p:"))
}
