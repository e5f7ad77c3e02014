package crawl

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Session is one end-to-end run of the external crawler.
type Session struct {
	ID            string       `json:"id"`
	CrawlingType  CrawlingType `json:"crawling_type"`
	Status        Status       `json:"status"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	EndedAt       *time.Time   `json:"ended_at,omitempty"`
	ExternalJobID string       `json:"external_job_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// StepProgress is the persisted progress of one step within a session.
type StepProgress struct {
	SessionID       string           `json:"session_id"`
	StepNumber      int              `json:"step_number"`
	StepName        string           `json:"step_name"`
	Status          StepState        `json:"status"`
	CurrentProgress int              `json:"current_progress"`
	Message         string           `json:"message"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	OutputFiles     []string         `json:"output_files,omitempty"`
	OutputFileSizes map[string]int64 `json:"output_file_sizes,omitempty"`
	RecordCount     *int64           `json:"record_count,omitempty"`
	IsResumable     bool             `json:"is_resumable"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

var subStepPrefix = regexp.MustCompile(`내부(\d)단계`)

// SubStepPrefix renders the marker persisted in front of step 1 messages.
func SubStepPrefix(n int) string {
	return fmt.Sprintf("내부%d단계", n)
}

// ParseSubStepMarker extracts the explicit sub-step marker from a message.
func ParseSubStepMarker(message string) (int, bool) {
	m := subStepPrefix.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > len(Steps[0].SubSteps) {
		return 0, false
	}
	return n, true
}

// SubStep derives the step 1 sub-step from the persisted message prefix.
func (p StepProgress) SubStep() *int {
	if p.StepNumber != 1 {
		return nil
	}
	n, ok := ParseSubStepMarker(p.Message)
	if !ok {
		return nil
	}
	return &n
}

// StepOutput is the completion metadata the crawler reports for a step.
type StepOutput struct {
	Files       []string
	FileSizes   map[string]int64
	RecordCount *int64
	Resumable   bool
}

// StepUpdate is an upsert request for one (session, step) row.
type StepUpdate struct {
	SessionID  string
	StepNumber int
	Progress   int
	Message    string
	At         time.Time
}

// StepView is the per-step projection rendered to operators.
type StepView struct {
	Number      int        `json:"number"`
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Status      StepState  `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message,omitempty"`
	SubStep     *int       `json:"sub_step,omitempty"`
	SubStepName string     `json:"sub_step_name,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// InitialSteps returns four waiting step views.
func InitialSteps() []StepView {
	views := make([]StepView, 0, StepCount)
	for _, def := range Steps {
		views = append(views, StepView{
			Number: def.Number,
			Key:    def.Key,
			Name:   def.Name,
			Status: StepWaiting,
		})
	}
	return views
}

// Snapshot is the live state reported by the external crawler.
type Snapshot struct {
	Status          Status     `json:"status"`
	Connected       bool       `json:"server_connected"`
	OverallProgress int        `json:"overall_progress"`
	Estimated       bool       `json:"estimated,omitempty"`
	ProcessedItems  int        `json:"processed_items"`
	TotalItems      int        `json:"total_items"`
	CurrentItem     string     `json:"current_item,omitempty"`
	JobID           string     `json:"job_id,omitempty"`
	JobStartedAt    *time.Time `json:"job_started_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	FetchedAt       time.Time  `json:"fetched_at"`
}

// CanonicalStatus is the reconciled view of a crawl at one point in time.
type CanonicalStatus struct {
	SessionID       string `json:"session_id,omitempty"`
	Status          Status `json:"status"`
	CurrentStep     int    `json:"current_step"`
	OverallProgress int    `json:"overall_progress"`
	SubStep         *int   `json:"sub_step,omitempty"`
	Connected       bool   `json:"server_connected"`
	ProcessedItems  int    `json:"processed_items"`
	TotalItems      int    `json:"total_items"`
	CurrentItem     string `json:"current_item,omitempty"`
	JobID           string `json:"job_id,omitempty"`
}
