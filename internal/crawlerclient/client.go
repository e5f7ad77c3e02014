// Package crawlerclient wraps the external crawler's control API and
// normalizes its response shapes into crawl.Snapshot values. Every failure
// (timeout, refused connection, non-200, malformed JSON) is converted into a
// structured result; transport errors never reach callers raw.
package crawlerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-supervisor/internal/clock/system"
	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/metrics"
)

// Endpoints exposed by the external crawler.
const (
	EndpointHealth     = "/api/health"
	EndpointStatus     = "/api/status"
	EndpointCrawl      = "/api/crawl"
	EndpointPause      = "/api/pause"
	EndpointResume     = "/api/resume"
	EndpointStop       = "/api/stop"
	EndpointReset      = "/api/full-setup/reset"
	EndpointProgress   = "/api/progress"
	EndpointBackup     = "/api/full-setup/backup"
	EndpointDBStatus   = "/api/db-status"
	EndpointCheckpoint = "/api/checkpoint"
)

const (
	defaultBaseURL  = "http://localhost:3334"
	defaultTimeout  = 5 * time.Second
	maxResponseSize = 1 << 20

	// estimateCap keeps the elapsed-time estimate below completion.
	estimateCap = 95
	// Defaults applied when the crawler omits item counters.
	itemsPerPercent = 40
	defaultTotal    = 4000
	defaultItem     = "Processing..."
	// defaultDatabaseFile names the SQLite file when db-status omits it.
	defaultDatabaseFile = "lab-shop.db"
)

// ErrDisconnected wraps every failure to reach the crawler status endpoint.
var ErrDisconnected = errors.New("failed to connect to crawler API")

// Config controls the client.
//   - BaseURL: crawler root URL (default http://localhost:3334).
//   - Timeout: per-request timeout (default 5s).
//   - StatusInterval: minimum spacing between live status fetches; calls in
//     between are served the cached snapshot. Zero disables caching.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	StatusInterval time.Duration
	HTTPClient     *http.Client
	Clock          crawl.Clock
	Logger         *zap.Logger
}

// Result is the structured outcome of a control command.
type Result struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DatabaseStatus describes the SQLite database the crawler builds in step 4.
type DatabaseStatus struct {
	Exists  bool   `json:"exists"`
	File    string `json:"file,omitempty"`
	Size    int64  `json:"size"`
	Records *int64 `json:"records,omitempty"`
}

// Checkpoint is the crawler's saved resume point.
type Checkpoint struct {
	Exists      bool `json:"exists"`
	CurrentStep int  `json:"current_step"`
}

// Client talks to the external crawler over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	clock   crawl.Clock
	logger  *zap.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	last *crawl.Snapshot
}

// New constructs a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		clock:   cfg.Clock,
		logger:  logger,
	}
	if cfg.StatusInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.StatusInterval), 1)
	}
	return c
}

// Health checks the crawler health endpoint.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.getJSON(ctx, EndpointHealth); err != nil {
		return err
	}
	return nil
}

// GetStatus returns the crawler's live snapshot. On failure the snapshot has
// status "disconnected" and the returned error wraps ErrDisconnected.
func (c *Client) GetStatus(ctx context.Context) (crawl.Snapshot, error) {
	if cached, ok := c.cached(); ok {
		if !cached.Connected {
			return cached, fmt.Errorf("%w: %s", ErrDisconnected, cached.Error)
		}
		return cached, nil
	}
	snapshot, err := c.fetchStatus(ctx)
	c.mu.Lock()
	c.last = &snapshot
	c.mu.Unlock()
	return snapshot, err
}

func (c *Client) cached() (crawl.Snapshot, bool) {
	if c.limiter == nil {
		return crawl.Snapshot{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limiter.Allow() || c.last == nil {
		return crawl.Snapshot{}, false
	}
	return *c.last, true
}

func (c *Client) fetchStatus(ctx context.Context) (crawl.Snapshot, error) {
	now := c.clock.Now()
	body, err := c.getJSON(ctx, EndpointStatus)
	if err != nil {
		return crawl.Snapshot{
			Status:    crawl.StatusDisconnected,
			Error:     err.Error(),
			FetchedAt: now,
		}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	snapshot := crawl.Snapshot{
		Status:    parseStatus(field(body, "status")),
		Connected: true,
		FetchedAt: now,
	}
	if job, ok := field(body, "currentJob").(map[string]any); ok {
		snapshot.JobID = firstString(job["id"], job["type"])
		snapshot.JobStartedAt = parseTime(job["startedAt"])
	}

	percentage, processed, total, item := -1, -1, -1, ""
	progress, err := c.getJSON(ctx, EndpointProgress)
	if err != nil {
		c.logger.Debug("crawler progress endpoint unavailable", zap.Error(err))
	} else {
		percentage = intOr(field(progress, "percentage"), -1)
		processed = intOr(field(progress, "processed"), -1)
		total = intOr(field(progress, "total"), -1)
		item = firstString(field(progress, "current_item"), field(progress, "currentItem"))
	}

	overall := crawl.ClampProgress(percentage)
	if snapshot.Status == crawl.StatusRunning && snapshot.JobStartedAt != nil && percentage <= 0 {
		elapsed := now.Sub(*snapshot.JobStartedAt).Seconds()
		overall = min(int(elapsed/2), estimateCap)
		if overall < 0 {
			overall = 0
		}
		snapshot.Estimated = true
	}
	snapshot.OverallProgress = overall
	snapshot.ProcessedItems = processed
	if processed < 0 {
		snapshot.ProcessedItems = overall * itemsPerPercent
	}
	snapshot.TotalItems = total
	if total <= 0 {
		snapshot.TotalItems = defaultTotal
	}
	snapshot.CurrentItem = item
	if item == "" {
		snapshot.CurrentItem = defaultItem
	}
	return snapshot, nil
}

// Start asks the crawler to begin the session's crawl reporting to
// webhookURL. Sessions without a crawling type start an initial crawl.
func (c *Client) Start(ctx context.Context, session crawl.Session, webhookURL string) Result {
	if strings.TrimSpace(webhookURL) == "" {
		return Result{Error: "Webhook URL is required"}
	}
	kind := session.CrawlingType
	if kind == "" {
		kind = crawl.CrawlingInitial
	}
	payload := map[string]string{
		"type":       string(kind),
		"webhookUrl": webhookURL,
		"sessionId":  session.ID,
	}
	body, result := c.command(ctx, EndpointCrawl, payload)
	if !result.Success {
		return result
	}
	job, _ := field(body, "job").(map[string]any)
	result.JobID = firstString(job["id"], job["type"])
	if result.JobID == "" {
		result.JobID = string(kind)
	}
	return result
}

// Pause suspends the running crawl.
func (c *Client) Pause(ctx context.Context) Result {
	_, result := c.command(ctx, EndpointPause, nil)
	return result
}

// Resume continues a paused crawl.
func (c *Client) Resume(ctx context.Context) Result {
	_, result := c.command(ctx, EndpointResume, nil)
	return result
}

// Stop cancels the crawl.
func (c *Client) Stop(ctx context.Context) Result {
	_, result := c.command(ctx, EndpointStop, nil)
	return result
}

// Reset clears the crawler's full-setup state.
func (c *Client) Reset(ctx context.Context) Result {
	_, result := c.command(ctx, EndpointReset, nil)
	return result
}

// Backup asks the crawler to snapshot its full-setup results.
func (c *Client) Backup(ctx context.Context) Result {
	_, result := c.command(ctx, EndpointBackup, nil)
	return result
}

// DatabaseStatus reports the crawler's output database.
func (c *Client) DatabaseStatus(ctx context.Context) (DatabaseStatus, Result) {
	body, result := c.query(ctx, EndpointDBStatus)
	if !result.Success {
		return DatabaseStatus{}, result
	}
	exists, _ := field(body, "exists").(bool)
	status := DatabaseStatus{
		Exists: exists,
		File:   firstString(field(body, "file"), field(body, "name")),
		Size:   int64(intOr(field(body, "size"), 0)),
	}
	if records := intOr(field(body, "records"), -1); records >= 0 {
		n := int64(records)
		status.Records = &n
	}
	if status.Exists && status.File == "" {
		status.File = defaultDatabaseFile
	}
	return status, result
}

// Checkpoint reports where the crawler would resume. A crawler without a
// checkpoint answers with Exists false.
func (c *Client) Checkpoint(ctx context.Context) (Checkpoint, Result) {
	body, result := c.query(ctx, EndpointCheckpoint)
	if !result.Success {
		return Checkpoint{}, result
	}
	step := intOr(field(body, "currentStep"), 0)
	return Checkpoint{Exists: step > 0, CurrentStep: step}, result
}

// StepOutput collects the completion metadata for step: the resume flag
// from the checkpoint and, for the database step, the file, its size and
// the record count. It reports false when the crawler had nothing to say.
func (c *Client) StepOutput(ctx context.Context, step int) (crawl.StepOutput, bool) {
	var (
		out   crawl.StepOutput
		found bool
	)
	if cp, res := c.Checkpoint(ctx); res.Success && cp.Exists {
		out.Resumable = cp.CurrentStep > step
		found = true
	}
	if step == crawl.StepCount {
		db, res := c.DatabaseStatus(ctx)
		if res.Success && db.Exists {
			out.Files = []string{db.File}
			out.FileSizes = map[string]int64{db.File: db.Size}
			out.RecordCount = db.Records
			found = true
		}
	}
	return out, found
}

func (c *Client) command(ctx context.Context, endpoint string, payload any) (map[string]any, Result) {
	var reader io.Reader = http.NoBody
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, Result{Error: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(buf)
	}
	body, err := c.do(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		c.logger.Warn("crawler command failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, Result{Error: err.Error()}
	}
	return body, resultOf(endpoint, body)
}

func (c *Client) query(ctx context.Context, endpoint string) (map[string]any, Result) {
	body, err := c.getJSON(ctx, endpoint)
	if err != nil {
		c.logger.Debug("crawler query failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, Result{Error: err.Error()}
	}
	return body, resultOf(endpoint, body)
}

func resultOf(endpoint string, body map[string]any) Result {
	if ok, present := body["success"].(bool); present && !ok {
		msg := firstString(body["error"], body["message"])
		if msg == "" {
			msg = "crawler rejected " + endpoint
		}
		return Result{Error: msg}
	}
	return Result{Success: true, Message: firstString(field(body, "message"))}
}

func (c *Client) getJSON(ctx context.Context, endpoint string) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, endpoint, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (map[string]any, error) {
	start := time.Now()
	out, err := c.roundTrip(ctx, method, endpoint, body)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveCrawlerRequest(endpoint, outcome, time.Since(start))
	return out, err
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body io.Reader) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil && body != http.NoBody {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close crawler response", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var decoded map[string]any
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	return decoded, nil
}
