package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

// SessionStore persists scan sessions in crawl_sessions. The request is kept
// in config_snapshot and the counters plus final result in progress.
type SessionStore struct {
	pool  Pool
	clock crawler.Clock
}

// NewSessionStore constructs a store over an existing pool.
func NewSessionStore(pool Pool, clock crawler.Clock) (*SessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &SessionStore{pool: pool, clock: clock}, nil
}

type sessionProgress struct {
	Metrics crawler.SessionMetrics `json:"metrics"`
	Result  *crawler.ScanResult    `json:"result,omitempty"`
}

// CreateSession inserts a new session row.
func (s *SessionStore) CreateSession(ctx context.Context, session crawler.Session) error {
	request, err := json.Marshal(session.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	errs, progress, err := marshalState(session)
	if err != nil {
		return err
	}
	submitted := session.Submitted
	if submitted.IsZero() {
		submitted = s.clock.Now()
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO crawl_sessions (
	id, status, triggered_by, config_snapshot, errors, progress, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		session.ID, string(session.Status), session.TriggeredBy, request, errs, progress, submitted,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession writes status, timestamps and counters. A cancelled session
// keeps its status and completion time.
func (s *SessionStore) UpdateSession(ctx context.Context, session crawler.Session) error {
	errs, progress, err := marshalState(session)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_sessions SET
	status = CASE WHEN status = 'cancelled' THEN status ELSE $2 END,
	started_at = COALESCE(started_at, $3),
	completed_at = COALESCE(completed_at, $4),
	pages_crawled = $5,
	opportunities_found = $6,
	opportunities_new = $7,
	errors_count = $8,
	errors = $9,
	last_error_message = $10,
	progress = $11,
	updated_at = $12
WHERE id = $1`,
		session.ID,
		string(session.Status),
		session.Started,
		session.Finished,
		session.Metrics.URLsProcessed,
		session.Metrics.TotalFound,
		session.Metrics.Saved,
		session.Metrics.Errors,
		errs,
		nullable(session.LastError),
		progress,
		s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", session.ID, crawler.ErrNotFound)
	}
	return nil
}

// GetSession loads a session by id.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (crawler.Session, error) {
	var (
		session                    crawler.Session
		status                     string
		request, errs, progressRaw []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, status, COALESCE(triggered_by, ''), config_snapshot, created_at,
	started_at, completed_at, errors, COALESCE(last_error_message, ''), progress
FROM crawl_sessions WHERE id = $1`, sessionID).Scan(
		&session.ID,
		&status,
		&session.TriggeredBy,
		&request,
		&session.Submitted,
		&session.Started,
		&session.Finished,
		&errs,
		&session.LastError,
		&progressRaw,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Session{}, fmt.Errorf("session %s: %w", sessionID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Session{}, fmt.Errorf("get session: %w", err)
	}
	session.Status = crawler.SessionStatus(status)

	if len(request) > 0 {
		if err := json.Unmarshal(request, &session.Request); err != nil {
			return crawler.Session{}, fmt.Errorf("decode request: %w", err)
		}
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &session.Errors); err != nil {
			return crawler.Session{}, fmt.Errorf("decode errors: %w", err)
		}
	}
	if len(progressRaw) > 0 {
		var progress sessionProgress
		if err := json.Unmarshal(progressRaw, &progress); err != nil {
			return crawler.Session{}, fmt.Errorf("decode progress: %w", err)
		}
		session.Metrics = progress.Metrics
		session.Result = progress.Result
	}
	return session, nil
}

// CancelSession marks a non-terminal session cancelled. The running scan
// observes the flag before starting its next URL.
func (s *SessionStore) CancelSession(ctx context.Context, sessionID string) error {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_sessions SET status = 'cancelled', completed_at = $2, updated_at = $2
WHERE id = $1 AND status IN ('pending', 'running')`, sessionID, now)
	if err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == crawler.SessionCancelled {
		return nil
	}
	return fmt.Errorf("session %s is %s: %w", sessionID, session.Status, crawler.ErrSessionFinished)
}

func marshalState(session crawler.Session) (errs, progress []byte, err error) {
	list := session.Errors
	if list == nil {
		list = []string{}
	}
	if errs, err = json.Marshal(list); err != nil {
		return nil, nil, fmt.Errorf("marshal errors: %w", err)
	}
	progress, err = json.Marshal(sessionProgress{Metrics: session.Metrics, Result: session.Result})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal progress: %w", err)
	}
	return errs, progress, nil
}
