package crawler

import (
	"context"
	"time"
)

// PageFetcher retrieves the rendered HTML of a listing page. Failures are
// reported through the outcome rather than an error.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) FetchOutcome
}

// DocumentFetcher downloads the raw bytes of a linked source document.
type DocumentFetcher interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// TextExtractor turns document bytes into plain text, limited to the first
// pageLimit pages.
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte, pageLimit int) (string, error)
}

// ListingClassifier performs Stage1 triage over the chunks of one page.
type ListingClassifier interface {
	Classify(ctx context.Context, sourceURL string, chunks []string) ([]Candidate, error)
}

// DocumentAnalyzer performs Stage2 deep analysis of one candidate's document.
type DocumentAnalyzer interface {
	Analyze(ctx context.Context, candidate Candidate, documentText string) (Enrichment, error)
}

// SaveBatch identifies the run and page a batch of opportunities belongs to.
type SaveBatch struct {
	SessionID     string
	PageURL       string
	StateCode     string
	Opportunities []Opportunity
}

// OpportunityStore persists relevant opportunities with dedup by external id.
type OpportunityStore interface {
	SaveBatch(ctx context.Context, batch SaveBatch) (SaveResult, error)
}

// SessionStore persists scan session state.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	UpdateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	CancelSession(ctx context.Context, sessionID string) error
}

// Queue provides enqueue/dequeue semantics for asynchronous scans.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for document integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
