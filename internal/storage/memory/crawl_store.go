package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/store"
)

type stepKey struct {
	sessionID string
	step      int
}

// CrawlStore provides an in-memory store.Repository for development/testing.
// A single mutex serializes every write, which also serializes upserts per
// (session, step) key.
type CrawlStore struct {
	mu       sync.RWMutex
	sessions map[string]crawl.Session
	order    []string
	steps    map[stepKey]crawl.StepProgress
}

var _ store.Repository = (*CrawlStore)(nil)

// NewCrawlStore constructs an empty CrawlStore.
func NewCrawlStore() *CrawlStore {
	return &CrawlStore{
		sessions: make(map[string]crawl.Session),
		steps:    make(map[stepKey]crawl.StepProgress),
	}
}

// Ping always succeeds.
func (s *CrawlStore) Ping(context.Context) error {
	return nil
}

// CreateSession stores a new session.
func (s *CrawlStore) CreateSession(_ context.Context, session crawl.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.ID == "" {
		return errors.New("session id is required")
	}
	if _, exists := s.sessions[session.ID]; exists {
		return errors.New("session already exists")
	}
	if session.CrawlingType == "" {
		session.CrawlingType = crawl.CrawlingInitial
	}
	if !session.CrawlingType.Valid() {
		return fmt.Errorf("unknown crawling type %q", session.CrawlingType)
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	s.sessions[session.ID] = session
	s.order = append(s.order, session.ID)
	return nil
}

// GetSession fetches a session by ID.
func (s *CrawlStore) GetSession(_ context.Context, id string) (crawl.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return crawl.Session{}, store.ErrNotFound
	}
	return session, nil
}

// UpdateSession applies the non-nil fields of update.
func (s *CrawlStore) UpdateSession(_ context.Context, id string, update store.SessionUpdate) (crawl.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return crawl.Session{}, store.ErrNotFound
	}
	if update.Unfinished && session.Status.IsFinished() {
		return crawl.Session{}, store.ErrSessionFinished
	}
	if update.Status != nil {
		session.Status = *update.Status
	}
	if update.EndedAt != nil {
		session.EndedAt = pointerTime(*update.EndedAt)
	}
	if update.ExternalJobID != nil {
		session.ExternalJobID = *update.ExternalJobID
	}
	if !update.At.IsZero() {
		session.UpdatedAt = update.At
	}
	s.sessions[id] = session
	return session, nil
}

// FindActiveSession returns the newest active session.
func (s *CrawlStore) FindActiveSession(_ context.Context) (crawl.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		session := s.sessions[s.order[i]]
		if session.Status.IsActive() {
			return session, nil
		}
	}
	return crawl.Session{}, store.ErrNotFound
}

// FindLatestSession returns the newest session regardless of status.
func (s *CrawlStore) FindLatestSession(_ context.Context) (crawl.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return crawl.Session{}, store.ErrNotFound
	}
	return s.sessions[s.order[len(s.order)-1]], nil
}

// ListActiveSessions returns active sessions, newest first.
func (s *CrawlStore) ListActiveSessions(_ context.Context) ([]crawl.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawl.Session
	for i := len(s.order) - 1; i >= 0; i-- {
		session := s.sessions[s.order[i]]
		if session.Status.IsActive() {
			out = append(out, session)
		}
	}
	return out, nil
}

// ListSessions returns up to limit sessions, newest first.
func (s *CrawlStore) ListSessions(_ context.Context, limit int) ([]crawl.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Session, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.sessions[s.order[i]])
	}
	return out, nil
}

// MarkStaleSessionsFailed fails active sessions created before cutoff.
func (s *CrawlStore) MarkStaleSessionsFailed(_ context.Context, cutoff, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, session := range s.sessions {
		if !session.Status.IsActive() || !session.CreatedAt.Before(cutoff) {
			continue
		}
		session.Status = crawl.StatusFailed
		session.EndedAt = pointerTime(at)
		session.UpdatedAt = at
		s.sessions[id] = session
		n++
	}
	return n, nil
}

// DeleteSession removes a session and its step rows.
func (s *CrawlStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.sessions, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.deleteStepsLocked(id)
	return nil
}

// DeleteAllSessions clears every session and step row.
func (s *CrawlStore) DeleteAllSessions(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]crawl.Session)
	s.order = nil
	s.steps = make(map[stepKey]crawl.StepProgress)
	return nil
}

// UpsertStep finds or creates the (session, step) row.
func (s *CrawlStore) UpsertStep(_ context.Context, update crawl.StepUpdate) (crawl.StepProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(update.SessionID); err != nil {
		return crawl.StepProgress{}, err
	}
	key := stepKey{sessionID: update.SessionID, step: update.StepNumber}
	row, ok := s.steps[key]
	if !ok {
		row = crawl.StepProgress{
			SessionID:  update.SessionID,
			StepNumber: update.StepNumber,
			StepName:   crawl.StepName(update.StepNumber),
		}
	}
	progress := crawl.ClampProgress(update.Progress)
	row.CurrentProgress = progress
	row.Message = update.Message
	row.UpdatedAt = update.At
	if row.StartedAt == nil {
		row.StartedAt = pointerTime(update.At)
	}
	if progress >= 100 {
		row.Status = crawl.StepCompleted
		if row.CompletedAt == nil {
			row.CompletedAt = pointerTime(update.At)
		}
	} else {
		row.Status = crawl.StepRunning
		row.CompletedAt = nil
	}
	s.steps[key] = row
	return cloneStep(row), nil
}

// CompleteStepsThrough forces steps 1..through to completed.
func (s *CrawlStore) CompleteStepsThrough(_ context.Context, sessionID string, through int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(sessionID); err != nil {
		return err
	}
	for n := 1; n <= through && n <= crawl.StepCount; n++ {
		key := stepKey{sessionID: sessionID, step: n}
		row, ok := s.steps[key]
		if ok && row.CurrentProgress >= 100 {
			continue
		}
		if !ok {
			row = crawl.StepProgress{SessionID: sessionID, StepNumber: n, StepName: crawl.StepName(n)}
		}
		row.CurrentProgress = 100
		row.Status = crawl.StepCompleted
		if row.StartedAt == nil {
			row.StartedAt = pointerTime(at)
		}
		row.CompletedAt = pointerTime(at)
		row.UpdatedAt = at
		s.steps[key] = row
	}
	return nil
}

// RecordStepOutput stores completion metadata on an existing row.
func (s *CrawlStore) RecordStepOutput(_ context.Context, sessionID string, step int, output crawl.StepOutput, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(sessionID); err != nil {
		return err
	}
	key := stepKey{sessionID: sessionID, step: step}
	row, ok := s.steps[key]
	if !ok {
		return store.ErrNotFound
	}
	row.OutputFiles = output.Files
	row.OutputFileSizes = output.FileSizes
	row.RecordCount = output.RecordCount
	row.IsResumable = output.Resumable
	row.UpdatedAt = at
	s.steps[key] = cloneStep(row)
	return nil
}

// ListSteps returns the session's rows ordered by step number.
func (s *CrawlStore) ListSteps(_ context.Context, sessionID string) ([]crawl.StepProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawl.StepProgress
	for key, row := range s.steps {
		if key.sessionID == sessionID {
			out = append(out, cloneStep(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

// HighestRunningStep returns the highest running step for the session.
func (s *CrawlStore) HighestRunningStep(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	highest := 0
	for key, row := range s.steps {
		if key.sessionID == sessionID && row.Status == crawl.StepRunning && key.step > highest {
			highest = key.step
		}
	}
	return highest, nil
}

// DeleteSteps purges the session's rows.
func (s *CrawlStore) DeleteSteps(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteStepsLocked(sessionID)
	return nil
}

// DeleteAllSteps purges every step row.
func (s *CrawlStore) DeleteAllSteps(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = make(map[stepKey]crawl.StepProgress)
	return nil
}

func (s *CrawlStore) writableLocked(sessionID string) error {
	session, ok := s.sessions[sessionID]
	if !ok || session.Status.IsFinished() {
		return store.ErrSessionFinished
	}
	return nil
}

func (s *CrawlStore) deleteStepsLocked(sessionID string) {
	for key := range s.steps {
		if key.sessionID == sessionID {
			delete(s.steps, key)
		}
	}
}

func cloneStep(row crawl.StepProgress) crawl.StepProgress {
	out := row
	out.OutputFiles = append([]string(nil), row.OutputFiles...)
	if row.RecordCount != nil {
		n := *row.RecordCount
		out.RecordCount = &n
	}
	if row.OutputFileSizes != nil {
		out.OutputFileSizes = make(map[string]int64, len(row.OutputFileSizes))
		for k, v := range row.OutputFileSizes {
			out.OutputFileSizes[k] = v
		}
	}
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
