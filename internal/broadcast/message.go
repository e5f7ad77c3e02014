package broadcast

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
)

// Kind distinguishes routine updates from the completion reset.
type Kind string

// Supported message kinds.
const (
	KindUpdate     Kind = "update"
	KindCompletion Kind = "completion"
)

// Message is one broadcast. SessionID may be empty for state that is not tied
// to a session (for example after a reset).
type Message struct {
	Kind      Kind                  `json:"kind"`
	SessionID string                `json:"session_id,omitempty"`
	Status    crawl.CanonicalStatus `json:"status"`
	Steps     []crawl.StepView      `json:"steps"`
	Notice    string                `json:"notice,omitempty"`
	TS        time.Time             `json:"ts"`
}

// Validate performs coarse validation on Message payloads.
func (m Message) Validate() error {
	switch m.Kind {
	case KindUpdate, KindCompletion:
	default:
		return fmt.Errorf("unknown kind %q", m.Kind)
	}
	if m.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if len(m.Steps) != crawl.StepCount {
		return fmt.Errorf("expected %d steps, got %d", crawl.StepCount, len(m.Steps))
	}
	return nil
}

// Topic is the per-session channel name used by transports that route by
// session.
func (m Message) Topic(prefix string) string {
	if m.SessionID == "" {
		return prefix + "global"
	}
	return prefix + m.SessionID
}
