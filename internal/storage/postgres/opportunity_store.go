package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

const (
	sourceType        = "government_portal"
	opportunityStatus = "new"
	untitled          = "Unknown Opportunity"
)

// OpportunityStore writes relevant opportunities into the opportunities table,
// skipping any whose source id is already stored.
type OpportunityStore struct {
	pool   Pool
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger

	// mu serializes batches so dedup checks see every committed row.
	mu      sync.Mutex
	sources map[string]string
}

// NewOpportunityStore constructs a store over an existing pool.
func NewOpportunityStore(pool Pool, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) (*OpportunityStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpportunityStore{
		pool:    pool,
		ids:     ids,
		clock:   clock,
		logger:  logger,
		sources: make(map[string]string),
	}, nil
}

// SaveBatch persists the relevant opportunities of one page in a single
// transaction. Each item runs under its own savepoint; a failing item is
// rolled back, counted as failed and skipped.
func (s *OpportunityStore) SaveBatch(ctx context.Context, batch crawler.SaveBatch) (crawler.SaveResult, error) {
	var result crawler.SaveResult
	relevant := make([]crawler.Opportunity, 0, len(batch.Opportunities))
	for _, opp := range batch.Opportunities {
		if opp.IsRelevant {
			relevant = append(relevant, opp)
		}
	}
	if len(relevant) == 0 {
		return result, nil
	}

	domain, err := crawler.Domain(batch.PageURL)
	if err != nil {
		domain = "unknown"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sourceID, fresh, err := s.sourceID(ctx, tx, domain, batch)
	if err != nil {
		return result, err
	}

	for _, opp := range relevant {
		dup, err := s.saveOne(ctx, tx, sourceID, batch, opp)
		switch {
		case err != nil:
			result.Failed++
			s.logger.Error("save opportunity failed",
				zap.String("document_id", opp.ExternalID),
				zap.String("session_id", batch.SessionID),
				zap.Error(err),
			)
		case dup:
			result.Duplicates++
			s.logger.Info("skipping duplicate opportunity", zap.String("document_id", opp.ExternalID))
		default:
			result.Saved++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return crawler.SaveResult{Failed: len(relevant)}, fmt.Errorf("commit tx: %w", err)
	}
	if fresh {
		s.sources[domain] = sourceID
	}
	s.logger.Info("opportunities committed",
		zap.String("page_url", batch.PageURL),
		zap.Int("saved", result.Saved),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// sourceID resolves the crawl source for domain, creating it when absent.
// fresh reports whether the cache should learn the id after commit.
func (s *OpportunityStore) sourceID(ctx context.Context, tx pgx.Tx, domain string, batch crawler.SaveBatch) (string, bool, error) {
	if id, ok := s.sources[domain]; ok {
		return id, false, nil
	}
	name := crawler.SourceName(domain)

	var id string
	err := tx.QueryRow(ctx,
		`SELECT id FROM crawl_sources WHERE name = $1 AND source_type = $2`,
		name, sourceType,
	).Scan(&id)
	switch {
	case err == nil:
		return id, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return "", false, fmt.Errorf("lookup source %q: %w", name, err)
	}

	id, err = s.ids.NewID()
	if err != nil {
		return "", false, fmt.Errorf("source id: %w", err)
	}
	baseURL, err := crawler.BaseURL(batch.PageURL)
	if err != nil {
		baseURL = batch.PageURL
	}
	now := s.clock.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO crawl_sources (
	id, name, source_type, status, state_code, base_url, is_enabled, notes, created_at, updated_at
) VALUES ($1, $2, $3, 'active', $4, $5, true, $6, $7, $7)`,
		id, name, sourceType, stateCode(batch.StateCode), baseURL,
		"Auto-created source for ad-hoc URL scanning", now,
	)
	if err != nil {
		return "", false, fmt.Errorf("create source %q: %w", name, err)
	}
	s.logger.Info("created crawl source", zap.String("name", name), zap.String("source_id", id))
	return id, true, nil
}

func (s *OpportunityStore) saveOne(
	ctx context.Context,
	tx pgx.Tx,
	sourceID string,
	batch crawler.SaveBatch,
	opp crawler.Opportunity,
) (dup bool, err error) {
	if _, err := tx.Exec(ctx, "SAVEPOINT opportunity_item"); err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}
	defer func() {
		if err != nil {
			if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT opportunity_item"); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
			}
			return
		}
		if _, relErr := tx.Exec(ctx, "RELEASE SAVEPOINT opportunity_item"); relErr != nil {
			err = fmt.Errorf("release savepoint: %w", relErr)
		}
	}()

	if opp.ExternalID != "" {
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM opportunities WHERE source_opportunity_id = $1)`,
			opp.ExternalID,
		).Scan(&dup); err != nil {
			return false, fmt.Errorf("check duplicate: %w", err)
		}
		if dup {
			return true, nil
		}
	}

	args, err := s.insertArgs(sourceID, batch, opp)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, insertOpportunitySQL, args...); err != nil {
		return false, fmt.Errorf("insert opportunity: %w", err)
	}
	return false, nil
}

const insertOpportunitySQL = `
INSERT INTO opportunities (
	id, source_id, source_opportunity_id, source_url, title,
	state_code, status, categories, relevance_score,
	submission_deadline, published_date, ai_analysis,
	requires_prequalification, prequalification_deadline,
	is_discretionary, estimated_value, eligibility_requirements,
	certifications_required, contact_info,
	created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5,
	$6, $7, $8, $9,
	$10, $11, $12,
	$13, $14,
	$15, $16, $17,
	$18, $19,
	$20, $21
)`

func (s *OpportunityStore) insertArgs(sourceID string, batch crawler.SaveBatch, opp crawler.Opportunity) ([]any, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("opportunity id: %w", err)
	}
	analysis, err := json.Marshal(newAIAnalysis(batch.SessionID, opp))
	if err != nil {
		return nil, fmt.Errorf("marshal ai analysis: %w", err)
	}

	title := opp.Title
	if title == "" {
		title = untitled
	}
	category := opp.Category
	if category == "" {
		category = crawler.CategoryOther
	}

	var (
		requiresPrequal, discretionary bool
		prequalDeadline                *time.Time
		estimatedValue, eligibility    *string
		contact                        []byte
	)
	certifications := []string{}
	if e := opp.Enrichment; e != nil {
		requiresPrequal = e.Prequalification.Required
		if e.Prequalification.Deadline != nil {
			prequalDeadline = ParseDate(*e.Prequalification.Deadline)
		}
		discretionary = e.Discretionary.IsDiscretionary
		estimatedValue = e.EstimatedValue
		eligibility = e.Eligibility
		if len(e.CertificationsRequired) > 0 {
			certifications = e.CertificationsRequired
		}
		if e.Contact != nil {
			contact, err = json.Marshal(e.Contact)
			if err != nil {
				return nil, fmt.Errorf("marshal contact: %w", err)
			}
		}
	}

	now := s.clock.Now()
	return []any{
		id,
		sourceID,
		nullable(opp.ExternalID),
		batch.PageURL,
		title,
		stateCode(batch.StateCode),
		opportunityStatus,
		[]string{string(category)},
		opp.Confidence,
		ParseDate(opp.DueDate),
		ParseDate(opp.PostedDate),
		analysis,
		requiresPrequal,
		prequalDeadline,
		discretionary,
		estimatedValue,
		eligibility,
		certifications,
		contact,
		now,
		now,
	}, nil
}

type aiAnalysis struct {
	Classification struct {
		Category   crawler.Category `json:"category"`
		Confidence float64          `json:"confidence"`
		Reason     string           `json:"reason"`
	} `json:"classification"`
	Extraction struct {
		DocumentID     string `json:"document_id"`
		EventName      string `json:"event_name"`
		DocumentURL    string `json:"document_url,omitempty"`
		DocumentSHA256 string `json:"document_sha256,omitempty"`
	} `json:"extraction"`
	Stage2         *crawler.Enrichment `json:"stage2,omitempty"`
	CrawlSessionID string              `json:"crawl_session_id"`
}

func newAIAnalysis(sessionID string, opp crawler.Opportunity) aiAnalysis {
	var a aiAnalysis
	a.Classification.Category = opp.Category
	a.Classification.Confidence = opp.Confidence
	a.Classification.Reason = opp.Reason
	a.Extraction.DocumentID = opp.ExternalID
	a.Extraction.EventName = opp.Title
	a.Extraction.DocumentURL = opp.DocumentURL
	if opp.Enrichment != nil {
		a.Extraction.DocumentSHA256 = opp.Enrichment.DocumentSHA256
		a.Stage2 = opp.Enrichment
	}
	a.CrawlSessionID = sessionID
	return a
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"01-02-2006",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
}

// ParseDate parses the date formats listing pages commonly use. Unparseable
// or empty input yields nil.
func ParseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}

func stateCode(code string) string {
	if code == "" {
		return "US"
	}
	return code
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
