package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/crawlerclient"
	"github.com/JakeFAU/crawl-supervisor/internal/metrics"
	"github.com/JakeFAU/crawl-supervisor/internal/store"
)

// Rejections returned by the Controller. None of them mutate state.
var (
	ErrAlreadyActive    = errors.New("a crawl session is already active")
	ErrNotRunning       = errors.New("no running crawl session")
	ErrNotPaused        = errors.New("no paused crawl session")
	ErrResetWhileActive = errors.New("reset rejected while a crawl is active")
)

// ControlError reports that the crawler refused or could not be reached.
type ControlError struct {
	Action string
	Reason string
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("crawler %s failed: %s", e.Action, e.Reason)
}

// UserMessage renders a control failure for operators.
func UserMessage(err error) string {
	var ce *ControlError
	switch {
	case errors.As(err, &ce) && ce.Action == "start":
		return crawl.MsgStartFailed + ce.Reason
	case errors.As(err, &ce):
		return crawl.MsgCrawlerFailed + ce.Reason
	case errors.Is(err, ErrAlreadyActive):
		return crawl.MsgAlreadyActive
	case errors.Is(err, ErrNotRunning):
		return crawl.MsgNotRunning
	case errors.Is(err, ErrNotPaused):
		return crawl.MsgNotPaused
	case errors.Is(err, ErrResetWhileActive):
		return crawl.MsgResetWhileActive
	default:
		return err.Error()
	}
}

// Crawler is the subset of the crawler client the Controller drives.
type Crawler interface {
	StatusSource
	Start(ctx context.Context, session crawl.Session, webhookURL string) crawlerclient.Result
	Pause(ctx context.Context) crawlerclient.Result
	Resume(ctx context.Context) crawlerclient.Result
	Stop(ctx context.Context) crawlerclient.Result
	Reset(ctx context.Context) crawlerclient.Result
	Backup(ctx context.Context) crawlerclient.Result
}

// ActionResult is what a successful control action reports back.
type ActionResult struct {
	Message string                `json:"notice"`
	Session *crawl.Session        `json:"session,omitempty"`
	Status  crawl.CanonicalStatus `json:"status"`
	Steps   []crawl.StepView      `json:"steps"`
}

// Controller executes operator actions. Actions are serialized so two
// concurrent starts cannot both pass the single-active check.
type Controller struct {
	mu           sync.Mutex
	engine       *Engine
	repo         store.Repository
	crawler      Crawler
	ids          crawl.IDGenerator
	logger       *zap.Logger
	crawlingType crawl.CrawlingType
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithCrawlingType sets the crawling type of the sessions Start creates.
// Unknown types are ignored.
func WithCrawlingType(t crawl.CrawlingType) ControllerOption {
	return func(c *Controller) {
		if t.Valid() {
			c.crawlingType = t
		}
	}
}

// NewController wires a Controller around an Engine.
func NewController(
	engine *Engine,
	repo store.Repository,
	crawler Crawler,
	ids crawl.IDGenerator,
	logger *zap.Logger,
	opts ...ControllerOption,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		engine:       engine,
		repo:         repo,
		crawler:      crawler,
		ids:          ids,
		logger:       logger,
		crawlingType: crawl.CrawlingInitial,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start creates a session and asks the crawler to begin, reporting progress
// to webhookURL. A crawler failure deletes the new session.
func (c *Controller) Start(ctx context.Context, webhookURL string) (ActionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.start(ctx, webhookURL)
	c.observe("start", err)
	return res, err
}

func (c *Controller) start(ctx context.Context, webhookURL string) (ActionResult, error) {
	if _, err := c.repo.FindActiveSession(ctx); err == nil {
		return ActionResult{}, ErrAlreadyActive
	} else if !errors.Is(err, store.ErrNotFound) {
		return ActionResult{}, fmt.Errorf("find active session: %w", err)
	}

	id, err := c.ids.NewID()
	if err != nil {
		return ActionResult{}, fmt.Errorf("generate session id: %w", err)
	}
	now := c.engine.clock.Now()
	session := crawl.Session{
		ID:           id,
		CrawlingType: c.crawlingType,
		Status:       crawl.StatusStarting,
		StartedAt:    &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.repo.CreateSession(ctx, session); err != nil {
		return ActionResult{}, fmt.Errorf("create session: %w", err)
	}
	logger := c.logger.With(zap.String("session_id", id))
	logger.Info("starting crawl",
		zap.String("webhook_url", webhookURL),
		zap.String("crawling_type", string(session.CrawlingType)),
	)

	result := c.crawler.Start(ctx, session, webhookURL)
	if !result.Success {
		logger.Warn("crawler start failed", zap.String("error", result.Error))
		if err := c.repo.DeleteSession(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Error("delete failed session", zap.Error(err))
		}
		return ActionResult{}, &ControlError{Action: "start", Reason: result.Error}
	}

	running := crawl.StatusRunning
	jobID := result.JobID
	session, err = c.repo.UpdateSession(ctx, id, store.SessionUpdate{
		Status:        &running,
		ExternalJobID: &jobID,
		At:            c.engine.clock.Now(),
	})
	if err != nil {
		return ActionResult{}, fmt.Errorf("mark session running: %w", err)
	}
	logger.Info("crawl started", zap.String("job_id", jobID))
	return c.respond(ctx, &session, crawl.MsgStarted)
}

// Pause suspends the running session.
func (c *Controller) Pause(ctx context.Context) (ActionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.toggle(ctx, "pause", isRunning, crawl.StatusPaused, ErrNotRunning, c.crawler.Pause, crawl.MsgPaused)
	c.observe("pause", err)
	return res, err
}

// Resume continues the paused session.
func (c *Controller) Resume(ctx context.Context) (ActionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.toggle(ctx, "resume", crawl.Status.IsResumable, crawl.StatusRunning, ErrNotPaused, c.crawler.Resume, crawl.MsgResumed)
	c.observe("resume", err)
	return res, err
}

func isRunning(s crawl.Status) bool {
	return s == crawl.StatusRunning
}

func (c *Controller) toggle(
	ctx context.Context,
	action string,
	eligible func(crawl.Status) bool,
	to crawl.Status,
	missing error,
	call func(context.Context) crawlerclient.Result,
	message string,
) (ActionResult, error) {
	session, err := c.repo.FindActiveSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return ActionResult{}, missing
	}
	if err != nil {
		return ActionResult{}, fmt.Errorf("find active session: %w", err)
	}
	if !eligible(session.Status) {
		return ActionResult{}, missing
	}
	result := call(ctx)
	if !result.Success {
		c.logger.Warn("crawler "+action+" failed", zap.String("session_id", session.ID), zap.String("error", result.Error))
		return ActionResult{}, &ControlError{Action: action, Reason: result.Error}
	}
	session, err = c.engine.transition(ctx, session, to)
	if errors.Is(err, store.ErrSessionFinished) {
		return ActionResult{}, missing
	}
	if err != nil {
		return ActionResult{}, err
	}
	c.logger.Info("crawl "+action+"d", zap.String("session_id", session.ID))
	return c.respond(ctx, &session, message)
}

// Stop cancels the crawl. The session is stopped and its step rows purged
// even when the crawler cannot be reached.
func (c *Controller) Stop(ctx context.Context) (ActionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.stop(ctx)
	c.observe("stop", err)
	return res, err
}

func (c *Controller) stop(ctx context.Context) (ActionResult, error) {
	result := c.crawler.Stop(ctx)
	if !result.Success {
		c.logger.Warn("crawler stop failed", zap.String("error", result.Error))
	}
	session, err := c.repo.FindActiveSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		if !result.Success {
			return ActionResult{}, &ControlError{Action: "stop", Reason: result.Error}
		}
		return c.respond(ctx, nil, crawl.MsgStopped)
	}
	if err != nil {
		return ActionResult{}, fmt.Errorf("find active session: %w", err)
	}
	session, err = c.engine.transition(ctx, session, crawl.StatusStopped)
	if errors.Is(err, store.ErrSessionFinished) {
		c.logger.Info("session ended before stop", zap.String("session_id", session.ID))
		return c.respond(ctx, nil, crawl.MsgStopped)
	}
	if err != nil {
		return ActionResult{}, err
	}
	c.logger.Info("crawl stopped", zap.String("session_id", session.ID))
	return c.respond(ctx, &session, crawl.MsgStopped)
}

// Reset clears the crawler and deletes every session and progress row. It is
// rejected while the crawler or any session is active.
func (c *Controller) Reset(ctx context.Context) (ActionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.reset(ctx)
	c.observe("reset", err)
	return res, err
}

func (c *Controller) reset(ctx context.Context) (ActionResult, error) {
	live, err := c.crawler.GetStatus(ctx)
	if err != nil {
		c.logger.Debug("crawler status unavailable before reset", zap.Error(err))
	}
	if live.Status == crawl.StatusRunning || live.Status == crawl.StatusPaused {
		c.logger.Warn("reset rejected while crawler active", zap.String("status", string(live.Status)))
		return ActionResult{}, ErrResetWhileActive
	}
	if session, err := c.repo.FindActiveSession(ctx); err == nil {
		c.logger.Warn("reset rejected while session active", zap.String("session_id", session.ID))
		return ActionResult{}, ErrResetWhileActive
	} else if !errors.Is(err, store.ErrNotFound) {
		return ActionResult{}, fmt.Errorf("find active session: %w", err)
	}

	result := c.crawler.Reset(ctx)
	if !result.Success {
		return ActionResult{}, &ControlError{Action: "reset", Reason: result.Error}
	}
	if err := c.repo.DeleteAllSteps(ctx); err != nil {
		return ActionResult{}, fmt.Errorf("delete steps: %w", err)
	}
	if err := c.repo.DeleteAllSessions(ctx); err != nil {
		return ActionResult{}, fmt.Errorf("delete sessions: %w", err)
	}
	c.logger.Info("crawl data reset")
	return c.respond(ctx, nil, crawl.MsgResetDone)
}

// Backup asks the crawler to snapshot its results. Session state is not
// touched.
func (c *Controller) Backup(ctx context.Context) (ActionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.backup(ctx)
	c.observe("backup", err)
	return res, err
}

func (c *Controller) backup(ctx context.Context) (ActionResult, error) {
	result := c.crawler.Backup(ctx)
	if !result.Success {
		return ActionResult{}, &ControlError{Action: "backup", Reason: result.Error}
	}
	c.logger.Info("crawler backup created", zap.String("message", result.Message))
	var session *crawl.Session
	if active, err := c.repo.FindActiveSession(ctx); err == nil {
		session = &active
	} else if !errors.Is(err, store.ErrNotFound) {
		return ActionResult{}, fmt.Errorf("find active session: %w", err)
	}
	return c.respond(ctx, session, crawl.MsgBackupDone)
}

func (c *Controller) respond(ctx context.Context, session *crawl.Session, message string) (ActionResult, error) {
	status, steps, err := c.engine.project(ctx, session)
	if err != nil {
		return ActionResult{}, err
	}
	sessionID := ""
	if session != nil {
		sessionID = session.ID
	}
	c.engine.publish(ctx, sessionID, crawl.Update{Status: status, Steps: steps})
	return ActionResult{Message: message, Session: session, Status: status, Steps: steps}, nil
}

func (c *Controller) observe(action string, err error) {
	var ce *ControlError
	switch {
	case err == nil:
		metrics.ObserveControlAction(action, "success")
	case errors.As(err, &ce):
		metrics.ObserveControlAction(action, "crawler_error")
	case IsRejection(err):
		metrics.ObserveControlAction(action, "rejected")
	default:
		metrics.ObserveControlAction(action, "error")
	}
}

// IsRejection reports whether err is a state rejection rather than a failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrAlreadyActive) || errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrNotPaused) || errors.Is(err, ErrResetWhileActive)
}
