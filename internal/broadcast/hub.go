package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-supervisor/internal/clock/system"
	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/metrics"
)

// ErrClosed is returned when broadcasting on a closed Hub.
var ErrClosed = errors.New("broadcast hub closed")

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 256).
//   - MaxBatchEvents: flush once this many messages queue (default 32).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 100ms).
//   - SinkTimeout: per-sink timeout while flushing (default 5s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Clock: timestamps messages (defaults to UTC wall clock).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Clock          crawl.Clock
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 256
	defaultMaxBatchEvents = 32
	defaultMaxBatchWait   = 100 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub aggregates messages and fans them out to registered sinks. It is safe
// for concurrent use and never blocks callers.
type Hub struct {
	cfg         Config
	sinks       []Sink
	messages    chan Message
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter *rate.Limiter
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		messages:    make(chan Message, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rate.NewLimiter(rate.Every(dropLogInterval), 1),
	}
	go h.run()
	return h
}

// Broadcast enqueues a state update for the session.
func (h *Hub) Broadcast(_ context.Context, sessionID string, update crawl.Update) error {
	return h.Emit(Message{
		Kind:      KindUpdate,
		SessionID: sessionID,
		Status:    update.Status,
		Steps:     update.Steps,
		TS:        h.cfg.Clock.Now(),
	})
}

// BroadcastCompletion enqueues the completion reset for the session.
func (h *Hub) BroadcastCompletion(_ context.Context, sessionID string, completion crawl.Completion) error {
	return h.Emit(Message{
		Kind:      KindCompletion,
		SessionID: sessionID,
		Status:    completion.Status,
		Steps:     completion.Steps,
		Notice:    completion.Message,
		TS:        h.cfg.Clock.Now(),
	})
}

// Emit enqueues a Message for batching. It never blocks; if the buffer is
// full the message is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(msg Message) error {
	if h == nil {
		return nil
	}
	if h.closed.Load() {
		return ErrClosed
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid broadcast: %w", err)
	}
	select {
	case h.messages <- msg:
	default:
		h.dropped.Add(1)
		metrics.IncBroadcastDropped()
		if h.dropLimiter.Allow() {
			count := h.dropped.Swap(0)
			h.logger.Warn("broadcasts dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
	return nil
}

// Close drains remaining messages, flushes sinks, and blocks until the
// background goroutine exits. It is safe to call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broadcast hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Message, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case msg := <-h.messages:
			batch = h.enqueue(batch, msg, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.handleStop(batch, timer, &timerActive)
			return
		}
	}
}

func (h *Hub) enqueue(batch []Message, msg Message, timer *time.Timer, timerActive *bool) []Message {
	batch = append(batch, msg)
	if len(batch) >= h.cfg.MaxBatchEvents {
		h.flush(batch)
		batch = batch[:0]
		stopTimer(timer, timerActive)
	} else if !*timerActive {
		// Wait is measured from the first message of the batch so a steady
		// trickle cannot postpone delivery indefinitely.
		timer.Reset(h.cfg.MaxBatchWait)
		*timerActive = true
	}
	return batch
}

func (h *Hub) handleStop(batch []Message, timer *time.Timer, timerActive *bool) {
	stopTimer(timer, timerActive)
	for {
		select {
		case msg := <-h.messages:
			batch = append(batch, msg)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSinks()
			return
		}
	}
}

func stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []Message) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]Message(nil), batch...)
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, copyBatch)
		cancel()
		result := "success"
		if err != nil {
			result = "error"
			h.logger.Warn("broadcast sink consume failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
		for _, msg := range copyBatch {
			metrics.ObserveBroadcast(string(msg.Kind), sink.Name(), result)
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("broadcast sink close failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
}
