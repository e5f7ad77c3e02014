package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/crawlerclient"
	"github.com/JakeFAU/crawl-supervisor/internal/metrics"
	"github.com/JakeFAU/crawl-supervisor/internal/reconcile"
	"github.com/JakeFAU/crawl-supervisor/internal/storage/memory"
)

const testWebhookURL = "http://supervisor.test/admin/initial_crawling/webhook"

// fakeCrawlerAPI mimics the crawler's control endpoints.
type fakeCrawlerAPI struct {
	mu       sync.Mutex
	status   string
	failing  map[string]string
	requests []string
}

func newFakeCrawlerAPI(t *testing.T) (*fakeCrawlerAPI, *httptest.Server) {
	t.Helper()
	f := &fakeCrawlerAPI{status: "idle", failing: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCrawlerAPI) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.URL.Path)
	status := f.status
	reason, failing := f.failing[r.URL.Path]
	if !failing {
		switch r.URL.Path {
		case crawlerclient.EndpointCrawl, crawlerclient.EndpointResume:
			f.status = "running"
		case crawlerclient.EndpointPause:
			f.status = "paused"
		case crawlerclient.EndpointStop, crawlerclient.EndpointReset:
			f.status = "idle"
		}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if failing {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": reason})
		return
	}
	switch r.URL.Path {
	case crawlerclient.EndpointStatus:
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"attributes": map[string]any{"status": status}}})
	case crawlerclient.EndpointProgress:
		_ = json.NewEncoder(w).Encode(map[string]any{"percentage": 10})
	case crawlerclient.EndpointCrawl:
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{"job": map[string]any{"id": "job-42"}}})
	default:
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}
}

func (f *fakeCrawlerAPI) fail(path, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[path] = reason
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("session-%d", s.n), nil
}

type harness struct {
	server  *Server
	store   *memory.CrawlStore
	crawler *fakeCrawlerAPI
	engine  *reconcile.Engine
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	fake, srv := newFakeCrawlerAPI(t)
	client := crawlerclient.New(crawlerclient.Config{BaseURL: srv.URL, Timeout: time.Second})
	repo := memory.NewCrawlStore()
	engine := reconcile.NewEngine(repo, client, reconcile.Options{Outputs: client})
	controller := reconcile.NewController(engine, repo, client, &seqIDs{}, nil)
	if opts.WebhookURL == "" {
		opts.WebhookURL = testWebhookURL
	}
	server := NewServer(Deps{
		Engine:     engine,
		Controller: controller,
		Sessions:   repo,
		Store:      repo,
		Crawler:    client,
	}, opts)
	return &harness{server: server, store: repo, crawler: fake, engine: engine}
}

func (h *harness) do(t *testing.T, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var jsonHeaders = map[string]string{"Accept": "application/json"}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzReportsChecks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	checks := body["checks"].(map[string]any)
	require.Equal(t, "ok", checks["store"])
	require.Equal(t, "ok", checks["crawler"])
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func TestReadyzUnavailableWhenStoreDown(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Store: failingPinger{}}, Options{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	metrics.Init()
	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crawl_supervisor_")
}

func TestStartFragmentAndWebhookFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodPost, BasePath+"/start", "", jsonHeaders)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, crawl.MsgStarted, body["notice"])
	status := body["status"].(map[string]any)
	require.Equal(t, "running", status["status"])
	require.Equal(t, "job-42", status["job_id"])

	sessionID := body["session"].(map[string]any)["id"].(string)

	form := url.Values{
		"sessionId": {sessionID},
		"type":      {"progress"},
		"step":      {"1"},
		"message":   {"부모상품 수집 중 (40/2000)"},
	}
	rec = h.do(t, http.MethodPost, BasePath+"/webhook", form.Encode(),
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, decodeBody(t, rec)["success"])

	rows, err := h.store.ListSteps(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, crawl.StepRunning, rows[0].Status)
	require.Contains(t, rows[0].Message, "내부2단계")

	rec = h.do(t, http.MethodGet, BasePath+"/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status = decodeBody(t, rec)["status"].(map[string]any)
	require.EqualValues(t, 1, status["current_step"])
	require.EqualValues(t, 2, status["sub_step"])
}

func TestStartRedirectsWithoutFragment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodPost, BasePath+"/start", "", nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, BasePath, loc.Path)
	require.Equal(t, crawl.MsgStarted, loc.Query().Get("notice"))

	rec = h.do(t, http.MethodPost, BasePath+"/start", "", nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	loc, err = url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, crawl.MsgAlreadyActive, loc.Query().Get("alert"))
}

func TestStartRejectedWhenActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, BasePath+"/start", "", jsonHeaders).Code)

	rec := h.do(t, http.MethodPost, BasePath+"/start", "", map[string]string{"Turbo-Frame": "crawl"})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, crawl.MsgAlreadyActive, body["alert"])
	require.NotNil(t, body["steps"])
}

func TestStartCrawlerFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.crawler.fail(crawlerclient.EndpointCrawl, "queue full")

	rec := h.do(t, http.MethodPost, BasePath+"/start", "", map[string]string{"Accept": turboStreamMIME})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, crawl.MsgStartFailed+"queue full", decodeBody(t, rec)["alert"])

	sessions, err := h.store.ListSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestPauseResumeStopReset(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodPost, BasePath+"/pause", "", jsonHeaders)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, crawl.MsgNotRunning, decodeBody(t, rec)["alert"])

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, BasePath+"/start", "", jsonHeaders).Code)

	rec = h.do(t, http.MethodPost, BasePath+"/resume", "", jsonHeaders)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, BasePath+"/pause", "", jsonHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "paused", decodeBody(t, rec)["status"].(map[string]any)["status"])

	rec = h.do(t, http.MethodPost, BasePath+"/reset", "", jsonHeaders)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, crawl.MsgResetWhileActive, decodeBody(t, rec)["alert"])

	rec = h.do(t, http.MethodPost, BasePath+"/resume", "", jsonHeaders)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, BasePath+"/stop", "", jsonHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crawl.MsgStopped, decodeBody(t, rec)["notice"])

	rec = h.do(t, http.MethodPost, BasePath+"/reset", "", jsonHeaders)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, crawl.MsgResetDone, decodeBody(t, rec)["notice"])

	sessions, err := h.store.ListSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestBackupRoute(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{APIKey: "secret"})
	rec := h.do(t, http.MethodPost, BasePath+"/backup", "", jsonHeaders)
	require.Equal(t, http.StatusForbidden, rec.Code)

	headers := map[string]string{"Accept": "application/json", "X-API-Key": "secret"}
	rec = h.do(t, http.MethodPost, BasePath+"/backup", "", headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, crawl.MsgBackupDone, decodeBody(t, rec)["notice"])

	h.crawler.fail(crawlerclient.EndpointBackup, "disk full")
	rec = h.do(t, http.MethodPost, BasePath+"/backup", "", headers)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, crawl.MsgCrawlerFailed+"disk full", decodeBody(t, rec)["alert"])
}

func TestWebhookSessionNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodPost, BasePath+"/webhook",
		`{"session_id":"missing","type":"progress","step":2,"progress":40}`,
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "Session not found", body["error"])
	require.Equal(t, "missing", body["session_id"])
}

func TestWebhookLogWithoutSessionIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodPost, BasePath+"/webhook",
		`{"type":"log","message":"hello"}`,
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["success"])
	require.Equal(t, true, body["ignored"])
}

func TestWebhookToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{WebhookToken: "s3cret"})
	rec := h.do(t, http.MethodPost, BasePath+"/webhook", `{"type":"log"}`,
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, BasePath+"/webhook", `{"type":"log"}`,
		map[string]string{"Content-Type": "application/json", "X-Webhook-Token": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestControlRoutesRequireAPIKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{APIKey: "key"})
	rec := h.do(t, http.MethodPost, BasePath+"/start", "", jsonHeaders)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, BasePath+"/start", "", map[string]string{"Accept": "application/json", "X-API-Key": "key"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, BasePath+"/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIndexSweepsAndListsSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	ctx := context.Background()
	old := time.Now().UTC().Add(-96 * time.Hour)
	require.NoError(t, h.store.CreateSession(ctx, crawl.Session{
		ID: "stale", CrawlingType: crawl.CrawlingInitial, Status: crawl.StatusRunning,
		CreatedAt: old, UpdatedAt: old,
	}))

	rec := h.do(t, http.MethodGet, BasePath+"/?notice=hi", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "hi", body["notice"])
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	require.Equal(t, "failed", sessions[0].(map[string]any)["status"])
}

func TestSessionsLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodGet, BasePath+"/sessions?limit=abc", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, BasePath+"/sessions?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decodeBody(t, rec)["sessions"])
}

func TestStreamRouteMounted(t *testing.T) {
	t.Parallel()

	stream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	server := NewServer(Deps{Stream: stream}, Options{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, BasePath+"/stream", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(nopLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
