package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

func TestSessionStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	session := crawler.Session{
		ID:      "session-1",
		Status:  crawler.SessionPending,
		Request: crawler.ScanRequest{URLs: []string{"https://a.example.gov"}},
	}

	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := store.CreateSession(ctx, session); err == nil {
		t.Fatal("expected duplicate session error")
	}

	started := time.Unix(1700000000, 0).UTC()
	session.Status = crawler.SessionRunning
	session.Started = &started
	if err := store.UpdateSession(ctx, session); err != nil {
		t.Fatalf("UpdateSession running error = %v", err)
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	got.Request.URLs[0] = "modified"
	again, _ := store.GetSession(ctx, session.ID)
	if again.Request.URLs[0] != "https://a.example.gov" {
		t.Fatal("expected GetSession to return a copy")
	}

	finished := started.Add(time.Minute)
	session.Status = crawler.SessionCompleted
	session.Started = nil
	session.Finished = &finished
	session.Metrics = crawler.SessionMetrics{URLsProcessed: 1, Saved: 2}
	if err := store.UpdateSession(ctx, session); err != nil {
		t.Fatalf("UpdateSession completed error = %v", err)
	}
	final, _ := store.GetSession(ctx, session.ID)
	if final.Status != crawler.SessionCompleted || final.Started == nil || final.Finished == nil {
		t.Fatalf("expected timestamps set, got %+v", final)
	}
	if final.Metrics.Saved != 2 {
		t.Fatalf("expected counters to persist, got %+v", final.Metrics)
	}

	if err := store.CancelSession(ctx, session.ID); !errors.Is(err, crawler.ErrSessionFinished) {
		t.Fatalf("CancelSession on finished session error = %v", err)
	}
}

func TestSessionStoreCancelIsSticky(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	session := crawler.Session{ID: "session-2", Status: crawler.SessionRunning}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := store.CancelSession(ctx, session.ID); err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}
	if err := store.CancelSession(ctx, session.ID); err != nil {
		t.Fatalf("second CancelSession() error = %v", err)
	}

	session.Status = crawler.SessionRunning
	session.Metrics.URLsProcessed = 1
	if err := store.UpdateSession(ctx, session); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	got, _ := store.GetSession(ctx, session.ID)
	if got.Status != crawler.SessionCancelled {
		t.Fatalf("expected cancelled status to stick, got %s", got.Status)
	}
	if got.Metrics.URLsProcessed != 1 {
		t.Fatalf("expected counters to update, got %+v", got.Metrics)
	}
}

func TestSessionStoreNotFound(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("GetSession() error = %v", err)
	}
	if err := store.UpdateSession(ctx, crawler.Session{ID: "missing"}); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	if err := store.CancelSession(ctx, "missing"); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("CancelSession() error = %v", err)
	}
}
