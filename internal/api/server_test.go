package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rfp-scanner/internal/config"
	"github.com/JakeFAU/rfp-scanner/internal/crawler"
	queueMemory "github.com/JakeFAU/rfp-scanner/internal/queue/memory"
	memoryStorage "github.com/JakeFAU/rfp-scanner/internal/storage/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// mockScanner mocks the Scanner interface.
type mockScanner struct {
	mock.Mock
}

func (m *mockScanner) NewSession(ctx context.Context, req crawler.ScanRequest) (crawler.Session, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(crawler.Session), args.Error(1)
}

func (m *mockScanner) Run(ctx context.Context, sessionID string, req crawler.ScanRequest) crawler.ScanResult {
	args := m.Called(ctx, sessionID, req)
	return args.Get(0).(crawler.ScanResult)
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fixture struct {
	server   *Server
	scanner  *mockScanner
	sessions *memoryStorage.SessionStore
	queue    *queueMemory.Queue
}

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 30},
		Scanner: config.ScannerConfig{MaxURLs: 2, EnableStage2: true},
	}
}

func newFixture(t *testing.T, cfg config.Config, ready ReadyFunc) *fixture {
	t.Helper()
	f := &fixture{
		scanner:  &mockScanner{},
		sessions: memoryStorage.NewSessionStore(),
		queue:    queueMemory.NewQueue(4),
	}
	f.server = NewServer(f.scanner, f.sessions, f.queue, fakeClock{testNow}, ready, cfg, zap.NewNop())
	return f
}

// pendingSession stores a session for urls and teaches the scanner to hand
// it out.
func (f *fixture) pendingSession(t *testing.T, id string, urls ...string) {
	t.Helper()
	session := crawler.Session{
		ID:        id,
		Status:    crawler.SessionPending,
		Request:   crawler.ScanRequest{URLs: urls, EnableStage2: true, TriggeredBy: "api"},
		Submitted: testNow,
	}
	require.NoError(t, f.sessions.CreateSession(context.Background(), session))
	f.scanner.On("NewSession", mock.Anything, mock.MatchedBy(func(req crawler.ScanRequest) bool {
		return len(req.URLs) == len(urls)
	})).Return(session, nil).Once()
}

func (f *fixture) do(method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) crawler.ScanResult {
	t.Helper()
	var out crawler.ScanResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRunScanReturnsAggregateResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	session := crawler.Session{ID: "session-1", Status: crawler.SessionPending}
	f.scanner.On("NewSession", mock.Anything, mock.MatchedBy(func(req crawler.ScanRequest) bool {
		return len(req.URLs) == 1 && req.EnableStage2 && req.TriggeredBy == "api" && req.StateCode == "CA"
	})).Return(session, nil).Once()
	f.scanner.On("Run", mock.Anything, "session-1", mock.Anything).Return(crawler.ScanResult{
		Success:    true,
		SessionID:  "session-1",
		Status:     crawler.SessionCompleted,
		Results:    []crawler.URLResult{{URL: "https://procure.example.gov/bids", Success: true, ErrorKind: crawler.ErrorKindSuccess, Saved: 2}},
		TotalFound: 3,
		SavedCount: 2,
	}).Once()

	rec := f.do(http.MethodPost, "/v1/scans", `{"urls":["https://procure.example.gov/bids"],"state_code":" ca "}`)

	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeResult(t, rec)
	require.True(t, out.Success)
	require.Equal(t, "session-1", out.SessionID)
	require.Equal(t, 2, out.SavedCount)
	require.Len(t, out.Results, 1)
	f.scanner.AssertExpectations(t)
}

func TestRunScanStage2Override(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	f.scanner.On("NewSession", mock.Anything, mock.MatchedBy(func(req crawler.ScanRequest) bool {
		return !req.EnableStage2 && len(req.Categories) == 1 && req.Categories[0] == "cloud"
	})).Return(crawler.Session{ID: "session-2"}, nil).Once()
	f.scanner.On("Run", mock.Anything, "session-2", mock.Anything).
		Return(crawler.ScanResult{SessionID: "session-2", Status: crawler.SessionFailed}).Once()

	rec := f.do(http.MethodPost, "/v1/scans", `{"urls":["https://a.example.gov"],"categories":["cloud"],"enable_stage2":false}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, decodeResult(t, rec).Success)
	f.scanner.AssertExpectations(t)
}

func TestRunScanRejectsBadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", "{invalid", "invalid JSON"},
		{"no urls", `{"urls":[]}`, "urls required"},
		{"blank urls", `{"urls":["  "]}`, "urls required"},
		{"too many urls", `{"urls":["https://a.gov","https://b.gov","https://c.gov"]}`, "at most 2 urls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, testConfig(), nil)
			rec := f.do(http.MethodPost, "/v1/scans", tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			out := decodeResult(t, rec)
			require.False(t, out.Success)
			require.Contains(t, out.Error, tt.want)
			f.scanner.AssertNotCalled(t, "NewSession", mock.Anything, mock.Anything)
		})
	}
}

func TestRunScanSessionCreateFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	f.scanner.On("NewSession", mock.Anything, mock.Anything).
		Return(crawler.Session{}, errors.New("db down")).Once()

	rec := f.do(http.MethodPost, "/v1/scans", `{"urls":["https://a.example.gov"]}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "db down")
	f.scanner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitScanQueuesSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	f.pendingSession(t, "session-async", "https://a.example.gov", "https://b.example.gov")

	rec := f.do(http.MethodPost, "/v1/scans/async", `{"urls":["https://a.example.gov","https://b.example.gov"]}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "session-async")
	item, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session-async", item.SessionID)
	require.Equal(t, []string{"https://a.example.gov", "https://b.example.gov"}, item.Request.URLs)
	require.Equal(t, testNow.Unix(), item.Submitted)
	f.scanner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitScanEnqueueFailureFailsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	f.queue.Close()
	f.pendingSession(t, "session-lost", "https://a.example.gov")

	rec := f.do(http.MethodPost, "/v1/scans/async", `{"urls":["https://a.example.gov"]}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	session, err := f.sessions.GetSession(context.Background(), "session-lost")
	require.NoError(t, err)
	require.Equal(t, crawler.SessionFailed, session.Status)
	require.NotNil(t, session.Finished)
	require.Contains(t, session.LastError, "queue closed")
}

func TestSubmitScanWithoutQueue(t *testing.T) {
	t.Parallel()

	server := NewServer(&mockScanner{}, memoryStorage.NewSessionStore(), nil, fakeClock{testNow}, nil, testConfig(), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/scans/async", bytes.NewBufferString(`{"urls":["https://a.gov"]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetScan(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	require.NoError(t, f.sessions.CreateSession(context.Background(), crawler.Session{
		ID:      "session-1",
		Status:  crawler.SessionRunning,
		Metrics: crawler.SessionMetrics{URLsProcessed: 1, Saved: 2},
	}))

	rec := f.do(http.MethodGet, "/v1/scans/session-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var session crawler.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.Equal(t, crawler.SessionRunning, session.Status)
	require.Equal(t, 2, session.Metrics.Saved)

	rec = f.do(http.MethodGet, "/v1/scans/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelScan(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, f.sessions.CreateSession(ctx, crawler.Session{ID: "running", Status: crawler.SessionRunning}))
	require.NoError(t, f.sessions.CreateSession(ctx, crawler.Session{ID: "done", Status: crawler.SessionCompleted}))

	rec := f.do(http.MethodPost, "/v1/scans/running/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"cancelled"`)
	session, err := f.sessions.GetSession(ctx, "running")
	require.NoError(t, err)
	require.Equal(t, crawler.SessionCancelled, session.Status)

	rec = f.do(http.MethodPost, "/v1/scans/running/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/v1/scans/done/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/v1/scans/missing/cancel", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	f := newFixture(t, cfg, nil)
	require.NoError(t, f.sessions.CreateSession(context.Background(), crawler.Session{ID: "s1", Status: crawler.SessionPending}))

	rec := f.do(http.MethodGet, "/v1/scans/s1", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/scans/s1", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/v1/scans/s1?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/readyz", "").Code)

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")

	down := newFixture(t, testConfig(), func(context.Context) error { return errors.New("pool closed") })
	require.Equal(t, http.StatusServiceUnavailable, down.do(http.MethodGet, "/readyz", "").Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	rec := f.do(http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestCORSAllowsConfiguredOrigins(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.CORSOrigins = []string{"https://rfp.example.com"}
	f := newFixture(t, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://rfp.example.com")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "https://rfp.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	f.scanner.On("NewSession", mock.Anything, mock.Anything).Return(crawler.Session{ID: "boom"}, nil).Once()
	f.scanner.On("Run", mock.Anything, "boom", mock.Anything).Panic("scanner exploded").Once()

	rec := f.do(http.MethodPost, "/v1/scans", `{"urls":["https://a.example.gov"]}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
