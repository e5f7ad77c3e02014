package crawl

import "time"

// Update is the reconciled state pushed to subscribers after a change.
type Update struct {
	Status CanonicalStatus `json:"status"`
	Steps  []StepView      `json:"steps"`
}

// Completion is pushed once a session finishes; Steps is the idle baseline
// the UI should return to.
type Completion struct {
	Message string          `json:"message"`
	Status  CanonicalStatus `json:"status"`
	Steps   []StepView      `json:"steps"`
}

// Report is the archived record of a completed session.
type Report struct {
	Session    Session         `json:"session"`
	Steps      []StepProgress  `json:"steps"`
	Status     CanonicalStatus `json:"status"`
	ArchivedAt time.Time       `json:"archived_at"`
}
