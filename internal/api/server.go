package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rfp-scanner/internal/config"
	"github.com/JakeFAU/rfp-scanner/internal/crawler"
	"github.com/JakeFAU/rfp-scanner/internal/metrics"
)

const (
	enqueueTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
	triggeredByAPI = "api"
)

// Scanner creates and runs scan sessions.
type Scanner interface {
	NewSession(ctx context.Context, req crawler.ScanRequest) (crawler.Session, error)
	Run(ctx context.Context, sessionID string, req crawler.ScanRequest) crawler.ScanResult
}

// Enqueuer hands sessions to the background workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Server wires HTTP handlers to the scanner, the queue and the session store.
type Server struct {
	router   chi.Router
	scanner  Scanner
	sessions crawler.SessionStore
	queue    Enqueuer
	clock    crawler.Clock
	ready    ReadyFunc
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. queue and ready
// may be nil; the async route then answers 503.
func NewServer(
	scanner Scanner,
	sessions crawler.SessionStore,
	queue Enqueuer,
	clock crawler.Clock,
	ready ReadyFunc,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scanner:  scanner,
		sessions: sessions,
		queue:    queue,
		clock:    clock,
		ready:    ready,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	if len(cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "X-API-Key", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/scans", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.With(timeoutMiddleware(cfg.RequestTimeout())).Post("/", s.runScan)
		r.Post("/async", s.submitScan)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/", s.getScan)
			r.Post("/cancel", s.cancelScan)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// runScan executes the whole scan within the request and answers with the
// aggregate result. Per-URL failures still produce 200.
func (s *Server) runScan(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeScanRequest(w, r)
	if err != nil {
		writeScanError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.scanner.NewSession(r.Context(), req)
	if err != nil {
		s.logger.Error("create session failed", zap.Error(err))
		writeScanError(w, http.StatusInternalServerError, "failed to create scan session")
		return
	}
	result := s.scanner.Run(r.Context(), session.ID, session.Request)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "async scanning disabled")
		return
	}
	req, err := s.decodeScanRequest(w, r)
	if err != nil {
		writeScanError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.scanner.NewSession(r.Context(), req)
	if err != nil {
		s.logger.Error("create session failed", zap.Error(err))
		writeScanError(w, http.StatusInternalServerError, "failed to create scan session")
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	item := crawler.QueueItem{
		SessionID: session.ID,
		Request:   session.Request,
		Submitted: session.Submitted.Unix(),
	}
	if err := s.queue.Enqueue(queueCtx, item); err != nil {
		s.logger.Error("enqueue scan failed", zap.String("session_id", session.ID), zap.Error(err))
		s.failSession(session, fmt.Sprintf("enqueue scan: %v", err))
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeScanError(w, status, "failed to queue scan")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": session.ID,
		"status":     string(crawler.SessionPending),
	})
}

// failSession marks a session that never reached a worker as failed so it
// does not sit pending forever.
func (s *Server) failSession(session crawler.Session, reason string) {
	now := s.clock.Now()
	session.Status = crawler.SessionFailed
	session.Finished = &now
	session.LastError = reason
	session.Errors = []string{reason}
	if err := s.sessions.UpdateSession(context.Background(), session); err != nil {
		s.logger.Warn("mark session failed", zap.String("session_id", session.ID), zap.Error(err))
	}
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	session, err := s.sessions.GetSession(r.Context(), id)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		s.logger.Error("get session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
	default:
		writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	err := s.sessions.CancelSession(r.Context(), id)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, crawler.ErrSessionFinished):
		writeError(w, http.StatusConflict, "session already finished")
	case err != nil:
		s.logger.Error("cancel session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel session")
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"session_id": id,
			"status":     string(crawler.SessionCancelled),
		})
	}
}

type scanRequest struct {
	URLs         []string `json:"urls"`
	Categories   []string `json:"categories"`
	StateCode    string   `json:"state_code"`
	EnableStage2 *bool    `json:"enable_stage2"`
}

func (s *Server) decodeScanRequest(w http.ResponseWriter, r *http.Request) (crawler.ScanRequest, error) {
	var body scanRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return crawler.ScanRequest{}, errors.New("invalid JSON")
	}
	urls := make([]string, 0, len(body.URLs))
	for _, u := range body.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return crawler.ScanRequest{}, errors.New("urls required")
	}
	if limit := s.cfg.Scanner.MaxURLs; limit > 0 && len(urls) > limit {
		return crawler.ScanRequest{}, fmt.Errorf("at most %d urls per scan", limit)
	}
	stage2 := s.cfg.Scanner.EnableStage2
	if body.EnableStage2 != nil {
		stage2 = *body.EnableStage2
	}
	return crawler.ScanRequest{
		URLs:         urls,
		Categories:   body.Categories,
		StateCode:    strings.ToUpper(strings.TrimSpace(body.StateCode)),
		EnableStage2: stage2,
		TriggeredBy:  triggeredByAPI,
	}, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.TimeoutHandler(next, d, `{"success":false,"error":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeScanError answers trigger requests in the scan result shape.
func writeScanError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, crawler.ScanResult{Success: false, Error: msg, Results: []crawler.URLResult{}})
}
