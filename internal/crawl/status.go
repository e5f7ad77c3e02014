package crawl

import (
	"errors"
	"fmt"
)

// Status represents the lifecycle state of a crawl session.
type Status string

// Session statuses persisted in crawl_sessions.status.
const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"

	// StatusDisconnected is reported by the crawler client when the external
	// service cannot be reached. It is never persisted.
	StatusDisconnected Status = "disconnected"
)

// ActiveStatuses lists the statuses that count as an in-flight session.
var ActiveStatuses = []Status{StatusStarting, StatusRunning, StatusPaused}

// FinishedStatuses lists the terminal statuses.
var FinishedStatuses = []Status{StatusStopped, StatusCompleted, StatusFailed}

// ErrInvalidTransition is returned when a status change is not permitted.
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusIdle:     {StatusStarting},
	StatusStarting: {StatusRunning, StatusPaused, StatusStopped, StatusCompleted, StatusFailed},
	StatusRunning:  {StatusPaused, StatusStopped, StatusCompleted, StatusFailed},
	StatusPaused:   {StatusRunning, StatusStopped, StatusCompleted, StatusFailed},
}

// ParseStatus normalizes raw input into a persisted Status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return status, nil
}

// Valid reports whether s is one of the persisted statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusStarting, StatusRunning, StatusPaused,
		StatusStopped, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether the session is starting, running, or paused.
func (s Status) IsActive() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusPaused
}

// IsFinished reports whether s is terminal.
func (s Status) IsFinished() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusFailed
}

// IsResumable reports whether a resume command applies.
func (s Status) IsResumable() bool {
	return s == StatusPaused
}

// ValidateTransition checks whether a session may move from one status to
// another. Re-applying the current status is always accepted.
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// CrawlingType distinguishes the one-off initial crawl from daily refreshes.
type CrawlingType string

// Supported crawling types.
const (
	CrawlingInitial CrawlingType = "initial"
	CrawlingDaily   CrawlingType = "daily"
)

// Valid reports whether t is a known crawling type.
func (t CrawlingType) Valid() bool {
	return t == CrawlingInitial || t == CrawlingDaily
}

// WebhookType classifies inbound webhook deliveries.
type WebhookType string

// Webhook types sent by the external crawler.
const (
	WebhookLog          WebhookType = "log"
	WebhookProgress     WebhookType = "progress"
	WebhookStatusChange WebhookType = "status_change"
	WebhookError        WebhookType = "error"
)
