package reconcile

import (
	"strings"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
)

// Payload is a decoded webhook from the external crawler. Every field is
// optional; pointer fields distinguish "absent" from zero.
type Payload struct {
	SessionID string            `mapstructure:"session_id"`
	Type      crawl.WebhookType `mapstructure:"type"`
	Step      *int              `mapstructure:"step"`
	Message   string            `mapstructure:"message"`
	Phase     string            `mapstructure:"phase"`
	SubStep   *int              `mapstructure:"sub_step"`
	Progress  *int              `mapstructure:"progress"`
	Processed *int              `mapstructure:"processed"`
	Total     *int              `mapstructure:"total"`
	Status    string            `mapstructure:"status"`
}

// IsLog reports whether the payload is a purely informational log line.
func (p Payload) IsLog() bool {
	return p.Type == crawl.WebhookLog
}

// IsStatusChange reports whether the payload sets the session status directly.
func (p Payload) IsStatusChange() bool {
	return p.Type == crawl.WebhookStatusChange
}

// AnnouncesCompletion reports whether the message carries the crawler's
// "all initial setup complete" phrase.
func (p Payload) AnnouncesCompletion() bool {
	return strings.Contains(p.Message, crawl.CompletionPhrase)
}

// Outcome describes what HandleWebhook did.
type Outcome struct {
	SessionID string                `json:"session_id,omitempty"`
	Step      int                   `json:"step,omitempty"`
	Progress  int                   `json:"progress"`
	SubStep   *int                  `json:"sub_step,omitempty"`
	Completed bool                  `json:"completed,omitempty"`
	Ignored   bool                  `json:"ignored,omitempty"`
	Reason    string                `json:"reason,omitempty"`
	Status    crawl.CanonicalStatus `json:"status"`
	Steps     []crawl.StepView      `json:"steps,omitempty"`
}
