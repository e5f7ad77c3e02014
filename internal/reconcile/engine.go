package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/clock/system"
	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/metrics"
	"github.com/JakeFAU/crawl-supervisor/internal/store"
	"github.com/JakeFAU/crawl-supervisor/internal/telemetry"
)

// DefaultStaleAfter is how long a session may stay active before the sweep
// marks it failed.
const DefaultStaleAfter = 72 * time.Hour

// ErrSessionNotFound is returned when a webhook cannot be tied to a session.
var ErrSessionNotFound = errors.New("session not found")

// StatusSource reports the crawler's live snapshot.
type StatusSource interface {
	GetStatus(ctx context.Context) (crawl.Snapshot, error)
}

// Notifier pushes reconciled state to subscribers. Errors are logged by the
// caller and never fail the triggering operation.
type Notifier interface {
	Broadcast(ctx context.Context, sessionID string, update crawl.Update) error
	BroadcastCompletion(ctx context.Context, sessionID string, completion crawl.Completion) error
}

// OutputReporter supplies the completion metadata of a finished step.
type OutputReporter interface {
	StepOutput(ctx context.Context, step int) (crawl.StepOutput, bool)
}

// Archiver stores the final report of a completed session.
type Archiver interface {
	Archive(ctx context.Context, report crawl.Report) error
}

// Options configures an Engine.
type Options struct {
	Classifier *Classifier
	Notifier   Notifier
	Archiver   Archiver
	Outputs    OutputReporter
	Clock      crawl.Clock
	Logger     *zap.Logger
	StaleAfter time.Duration
}

// Engine reconciles crawler signals against the repository.
type Engine struct {
	repo       store.Repository
	live       StatusSource
	classifier *Classifier
	notifier   Notifier
	archiver   Archiver
	outputs    OutputReporter
	clock      crawl.Clock
	logger     *zap.Logger
	staleAfter time.Duration
}

// NewEngine wires an Engine. live may be nil, in which case the crawler is
// treated as disconnected.
func NewEngine(repo store.Repository, live StatusSource, opts Options) *Engine {
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier(DefaultDenominators())
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Engine{
		repo:       repo,
		live:       live,
		classifier: opts.Classifier,
		notifier:   opts.Notifier,
		archiver:   opts.Archiver,
		outputs:    opts.Outputs,
		clock:      opts.Clock,
		logger:     opts.Logger,
		staleAfter: opts.StaleAfter,
	}
}

// Classifier exposes the rules used by the engine.
func (e *Engine) Classifier() *Classifier {
	return e.classifier
}

// HandleWebhook applies one crawler webhook and broadcasts the recomputed
// status. Unresolvable log events and events for terminal sessions are
// reported as ignored; other unresolvable events return ErrSessionNotFound.
func (e *Engine) HandleWebhook(ctx context.Context, p Payload) (Outcome, error) {
	ctx, span := telemetry.Tracer("reconcile").Start(ctx, "webhook")
	defer span.End()

	out, err := e.applyWebhook(ctx, p)
	result := "accepted"
	switch {
	case err != nil && errors.Is(err, ErrSessionNotFound):
		result = "session_not_found"
	case err != nil:
		result = "error"
	case out.Ignored:
		result = "ignored"
	case out.Completed:
		result = "completed"
	}
	eventType := string(p.Type)
	if eventType == "" {
		eventType = "unknown"
	}
	metrics.ObserveWebhook(eventType, result)
	span.SetAttributes(
		attribute.String("crawl.webhook.type", eventType),
		attribute.String("crawl.session_id", out.SessionID),
		attribute.String("crawl.webhook.result", result),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	if err != nil || out.Ignored {
		return out, err
	}
	if !out.Completed {
		e.publish(ctx, out.SessionID, crawl.Update{Status: out.Status, Steps: out.Steps})
	}
	return out, nil
}

func (e *Engine) applyWebhook(ctx context.Context, p Payload) (Outcome, error) {
	logger := e.logger.With(zap.String("type", string(p.Type)))
	session, err := e.resolveSession(ctx, p)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) && (p.IsLog() || p.AnnouncesCompletion()) {
			logger.Debug("webhook without session ignored")
			return Outcome{SessionID: p.SessionID, Ignored: true, Reason: "no session"}, nil
		}
		if errors.Is(err, ErrSessionNotFound) {
			logger.Warn("webhook session not found",
				zap.String("session_id", p.SessionID),
				zap.String("message", p.Message),
			)
		}
		return Outcome{SessionID: p.SessionID}, err
	}
	logger = logger.With(zap.String("session_id", session.ID))

	if session.Status.IsFinished() {
		logger.Info("webhook for finished session ignored", zap.String("status", string(session.Status)))
		return Outcome{SessionID: session.ID, Ignored: true, Reason: "session " + string(session.Status)}, nil
	}
	if p.Type == crawl.WebhookError {
		logger.Warn("crawler reported error", zap.String("message", p.Message))
	}

	if p.IsStatusChange() {
		return e.applyStatusChange(ctx, session, p, logger)
	}
	return e.applyProgress(ctx, session, p, logger)
}

func (e *Engine) resolveSession(ctx context.Context, p Payload) (crawl.Session, error) {
	if p.SessionID != "" {
		session, err := e.repo.GetSession(ctx, p.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			return crawl.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, p.SessionID)
		}
		return session, err
	}
	session, err := e.repo.FindActiveSession(ctx)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return crawl.Session{}, err
	}
	if p.AnnouncesCompletion() {
		session, err = e.repo.FindLatestSession(ctx)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return crawl.Session{}, err
		}
	}
	return crawl.Session{}, ErrSessionNotFound
}

func (e *Engine) applyProgress(ctx context.Context, session crawl.Session, p Payload, logger *zap.Logger) (Outcome, error) {
	now := e.clock.Now()
	if session.Status == crawl.StatusStarting {
		running := crawl.StatusRunning
		updated, err := e.repo.UpdateSession(ctx, session.ID, store.SessionUpdate{Status: &running, At: now})
		if err != nil {
			return Outcome{SessionID: session.ID}, fmt.Errorf("promote session: %w", err)
		}
		session = updated
	}

	step := e.classifier.ExtractStep(p, func() int {
		n, err := e.repo.HighestRunningStep(ctx, session.ID)
		if err != nil {
			logger.Warn("lookup running step", zap.Error(err))
			return 0
		}
		return n
	})
	progress := e.classifier.ExtractProgress(p, step)

	message := p.Message
	var subStep *int
	if step == 1 {
		if p.Phase != "" {
			message = "Step 1: " + p.Phase
		}
		n := 0
		if p.SubStep != nil && *p.SubStep >= 1 && *p.SubStep <= len(crawl.Steps[0].SubSteps) {
			n = *p.SubStep
		} else {
			n = e.classifier.DetectSubStep(message, progress)
		}
		subStep = &n
		message = WithSubStepPrefix(n, message)
	}

	_, err := e.repo.UpsertStep(ctx, crawl.StepUpdate{
		SessionID:  session.ID,
		StepNumber: step,
		Progress:   progress,
		Message:    message,
		At:         now,
	})
	if errors.Is(err, store.ErrSessionFinished) {
		logger.Info("step update raced with session end", zap.Int("step", step))
		return Outcome{SessionID: session.ID, Ignored: true, Reason: "session finished"}, nil
	}
	if err != nil {
		return Outcome{SessionID: session.ID}, fmt.Errorf("upsert step %d: %w", step, err)
	}
	if progress >= 100 && step < crawl.StepCount {
		e.recordOutput(ctx, session.ID, step)
	}
	if step > 1 {
		if err := e.repo.CompleteStepsThrough(ctx, session.ID, step-1, now); err != nil && !errors.Is(err, store.ErrSessionFinished) {
			return Outcome{SessionID: session.ID}, fmt.Errorf("backfill steps: %w", err)
		}
	}
	logger.Debug("step progress applied",
		zap.Int("step", step),
		zap.Int("progress", progress),
		zap.String("message", message),
	)

	out := Outcome{SessionID: session.ID, Step: step, Progress: progress, SubStep: subStep}
	if (step == crawl.StepCount && progress >= 100) || p.AnnouncesCompletion() {
		status, steps, err := e.complete(ctx, session)
		if errors.Is(err, store.ErrSessionFinished) {
			logger.Info("completion raced with session end")
			return Outcome{SessionID: session.ID, Ignored: true, Reason: "session finished"}, nil
		}
		if err != nil {
			return out, err
		}
		out.Completed = true
		out.Status, out.Steps = status, steps
		return out, nil
	}
	out.Status, out.Steps, err = e.project(ctx, &session)
	return out, err
}

func (e *Engine) applyStatusChange(ctx context.Context, session crawl.Session, p Payload, logger *zap.Logger) (Outcome, error) {
	out := Outcome{SessionID: session.ID}
	next, err := crawl.ParseStatus(strings.ToLower(strings.TrimSpace(p.Status)))
	if err != nil {
		logger.Warn("status change ignored", zap.String("status", p.Status), zap.Error(err))
		out.Ignored, out.Reason = true, "invalid status"
		return out, nil
	}
	if next == crawl.StatusCompleted || p.AnnouncesCompletion() {
		status, steps, err := e.complete(ctx, session)
		if errors.Is(err, store.ErrSessionFinished) {
			out.Ignored, out.Reason = true, "session finished"
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out.Completed = true
		out.Status, out.Steps = status, steps
		return out, nil
	}
	if err := crawl.ValidateTransition(session.Status, next); err != nil {
		logger.Warn("status change ignored", zap.Error(err))
		out.Ignored, out.Reason = true, "invalid transition"
		return out, nil
	}
	session, err = e.transition(ctx, session, next)
	if errors.Is(err, store.ErrSessionFinished) {
		out.Ignored, out.Reason = true, "session finished"
		return out, nil
	}
	if err != nil {
		return out, err
	}
	logger.Info("session status changed", zap.String("status", string(next)))
	out.Status, out.Steps, err = e.project(ctx, &session)
	return out, err
}

// transition persists next, stamping ended_at for terminal statuses. A stop
// also purges the session's step rows. Sessions that ended in the meantime
// are left alone and store.ErrSessionFinished is returned.
func (e *Engine) transition(ctx context.Context, session crawl.Session, next crawl.Status) (crawl.Session, error) {
	now := e.clock.Now()
	update := store.SessionUpdate{Status: &next, At: now, Unfinished: true}
	if next.IsFinished() {
		update.EndedAt = &now
	}
	updated, err := e.repo.UpdateSession(ctx, session.ID, update)
	if err != nil {
		return session, fmt.Errorf("update session %s: %w", session.ID, err)
	}
	if next == crawl.StatusStopped {
		if err := e.repo.DeleteSteps(ctx, session.ID); err != nil {
			return updated, fmt.Errorf("purge steps: %w", err)
		}
	}
	return updated, nil
}

// complete finishes a session: every step is forced to 100%, the database
// step gets its output metadata, the session is marked completed,
// subscribers see the final state, the report is archived, the completion
// reset is broadcast and the rows are purged. A session that ended
// concurrently yields an error wrapping store.ErrSessionFinished.
func (e *Engine) complete(ctx context.Context, session crawl.Session) (crawl.CanonicalStatus, []crawl.StepView, error) {
	now := e.clock.Now()
	if err := e.repo.CompleteStepsThrough(ctx, session.ID, crawl.StepCount, now); err != nil {
		return crawl.CanonicalStatus{}, nil, fmt.Errorf("complete steps: %w", err)
	}
	e.recordOutput(ctx, session.ID, crawl.StepCount)
	completed := crawl.StatusCompleted
	session, err := e.repo.UpdateSession(ctx, session.ID, store.SessionUpdate{
		Status:     &completed,
		EndedAt:    &now,
		At:         now,
		Unfinished: true,
	})
	if err != nil {
		return crawl.CanonicalStatus{}, nil, fmt.Errorf("complete session: %w", err)
	}
	e.logger.Info("crawl session completed", zap.String("session_id", session.ID))

	status, steps, err := e.project(ctx, &session)
	if err != nil {
		return status, steps, err
	}
	e.publish(ctx, session.ID, crawl.Update{Status: status, Steps: steps})
	e.archive(ctx, session, status)

	if e.notifier != nil {
		completion := crawl.Completion{
			Message: crawl.MsgCompleted,
			Status: crawl.CanonicalStatus{
				SessionID: session.ID,
				Status:    crawl.StatusIdle,
				Connected: status.Connected,
			},
			Steps: crawl.InitialSteps(),
		}
		if err := e.notifier.BroadcastCompletion(ctx, session.ID, completion); err != nil {
			e.logger.Warn("completion broadcast failed", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	if err := e.repo.DeleteSteps(ctx, session.ID); err != nil {
		return status, steps, fmt.Errorf("purge steps: %w", err)
	}
	return status, steps, nil
}

// recordOutput attaches the crawler's metadata to a finished step. Failures
// are logged; the step itself is already persisted.
func (e *Engine) recordOutput(ctx context.Context, sessionID string, step int) {
	if e.outputs == nil {
		return
	}
	output, ok := e.outputs.StepOutput(ctx, step)
	if !ok {
		return
	}
	logger := e.logger.With(zap.String("session_id", sessionID), zap.Int("step", step))
	if err := e.repo.RecordStepOutput(ctx, sessionID, step, output, e.clock.Now()); err != nil {
		logger.Warn("record step output", zap.Error(err))
		return
	}
	logger.Debug("step output recorded", zap.Strings("files", output.Files))
}

func (e *Engine) archive(ctx context.Context, session crawl.Session, status crawl.CanonicalStatus) {
	if e.archiver == nil {
		return
	}
	rows, err := e.repo.ListSteps(ctx, session.ID)
	if err != nil {
		e.logger.Warn("load steps for archive", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	report := crawl.Report{Session: session, Steps: rows, Status: status, ArchivedAt: e.clock.Now()}
	if err := e.archiver.Archive(ctx, report); err != nil {
		e.logger.Warn("archive session report", zap.String("session_id", session.ID), zap.Error(err))
	}
}

// Status returns the canonical status and step views for the active session,
// or for the crawler alone when no session is active.
func (e *Engine) Status(ctx context.Context) (crawl.CanonicalStatus, []crawl.StepView, error) {
	session, err := e.repo.FindActiveSession(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.project(ctx, nil)
	case err != nil:
		return crawl.CanonicalStatus{}, nil, fmt.Errorf("find active session: %w", err)
	}
	return e.project(ctx, &session)
}

// Steps returns the step views for one session.
func (e *Engine) Steps(ctx context.Context, session crawl.Session) ([]crawl.StepView, error) {
	_, steps, err := e.project(ctx, &session)
	return steps, err
}

func (e *Engine) snapshot(ctx context.Context) crawl.Snapshot {
	if e.live == nil {
		return crawl.Snapshot{Status: crawl.StatusDisconnected, FetchedAt: e.clock.Now()}
	}
	snap, err := e.live.GetStatus(ctx)
	if err != nil {
		e.logger.Debug("crawler status unavailable", zap.Error(err))
	}
	if snap.Status == "" {
		snap.Status = crawl.StatusIdle
	}
	return snap
}

func (e *Engine) project(ctx context.Context, session *crawl.Session) (crawl.CanonicalStatus, []crawl.StepView, error) {
	live := e.snapshot(ctx)
	var rows []crawl.StepProgress
	if session != nil {
		var err error
		rows, err = e.repo.ListSteps(ctx, session.ID)
		if err != nil {
			return crawl.CanonicalStatus{}, nil, fmt.Errorf("list steps: %w", err)
		}
	}
	liveActive := live.Status == crawl.StatusRunning || live.Status == crawl.StatusPaused
	if session != nil && !session.Status.IsActive() {
		liveActive = false
	}
	views, current := e.classifier.BuildStepsData(rows, liveActive)

	status := crawl.CanonicalStatus{
		Status:          live.Status,
		CurrentStep:     current,
		OverallProgress: live.OverallProgress,
		Connected:       live.Connected,
		ProcessedItems:  live.ProcessedItems,
		TotalItems:      live.TotalItems,
		CurrentItem:     live.CurrentItem,
		JobID:           live.JobID,
	}
	if session != nil {
		status.SessionID = session.ID
		status.Status = session.Status
		if status.JobID == "" {
			status.JobID = session.ExternalJobID
		}
	}
	if len(rows) > 0 {
		status.OverallProgress = overallFromViews(views)
	}
	if current == 1 {
		status.SubStep = views[0].SubStep
	}
	return status, views, nil
}

func (e *Engine) publish(ctx context.Context, sessionID string, update crawl.Update) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Broadcast(ctx, sessionID, update); err != nil {
		e.logger.Warn("broadcast failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// SweepStale fails sessions that stayed active past the staleness threshold
// and then leaves at most one active session (the newest). It returns the
// number of sessions failed.
func (e *Engine) SweepStale(ctx context.Context) (int, error) {
	now := e.clock.Now()
	stale, err := e.repo.MarkStaleSessionsFailed(ctx, now.Add(-e.staleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("mark stale sessions: %w", err)
	}
	swept := int(stale)

	active, err := e.repo.ListActiveSessions(ctx)
	if err != nil {
		return swept, fmt.Errorf("list active sessions: %w", err)
	}
	failed := crawl.StatusFailed
	for _, session := range active[min(1, len(active)):] {
		if _, err := e.repo.UpdateSession(ctx, session.ID, store.SessionUpdate{Status: &failed, EndedAt: &now, At: now}); err != nil {
			return swept, fmt.Errorf("fail duplicate session %s: %w", session.ID, err)
		}
		swept++
	}
	if swept > 0 {
		e.logger.Info("stale sessions marked failed", zap.Int("count", swept))
	}
	metrics.AddSessionsSwept(swept)
	return swept, nil
}

// ReconcileSnapshot compares the active session with the crawler's live
// status, applies any status change the crawler reports and re-broadcasts.
// It is the safety net for delayed or lost webhooks.
func (e *Engine) ReconcileSnapshot(ctx context.Context) error {
	session, err := e.repo.FindActiveSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find active session: %w", err)
	}
	live := e.snapshot(ctx)
	if live.Connected && live.Status != session.Status {
		switch {
		case live.Status == crawl.StatusCompleted:
			_, _, err := e.complete(ctx, session)
			if errors.Is(err, store.ErrSessionFinished) {
				return nil
			}
			return err
		case live.Status == crawl.StatusIdle:
			// The crawler may report idle briefly before a job registers.
		case crawl.ValidateTransition(session.Status, live.Status) == nil:
			session, err = e.transition(ctx, session, live.Status)
			if errors.Is(err, store.ErrSessionFinished) {
				return nil
			}
			if err != nil {
				return err
			}
			e.logger.Info("session status reconciled from crawler",
				zap.String("session_id", session.ID),
				zap.String("status", string(live.Status)),
			)
		}
	}
	status, steps, err := e.project(ctx, &session)
	if err != nil {
		return err
	}
	e.publish(ctx, session.ID, crawl.Update{Status: status, Steps: steps})
	return nil
}
