package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawl-supervisor/internal/broadcast"
)

// MemorySink stores consumed messages for inspection.
type MemorySink struct {
	mu       sync.RWMutex
	messages []broadcast.Message
	closed   bool
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Name implements broadcast.Sink.
func (s *MemorySink) Name() string { return "memory" }

// Consume records the batch.
func (s *MemorySink) Consume(_ context.Context, batch []broadcast.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, batch...)
	return nil
}

// Close marks the sink closed.
func (s *MemorySink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Messages returns the recorded messages.
func (s *MemorySink) Messages() []broadcast.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]broadcast.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Closed reports whether Close has been called.
func (s *MemorySink) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
