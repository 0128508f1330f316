// Package worker runs scan sessions: the per-URL crawl, classify, enrich and
// persist pipeline plus the queue loop that feeds it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
	"github.com/JakeFAU/rfp-scanner/internal/metrics"
	"github.com/JakeFAU/rfp-scanner/internal/progress"
	"github.com/JakeFAU/rfp-scanner/internal/reduce"
)

const defaultPageLimit = 4

// Config controls Scanner behavior.
type Config struct {
	// URLParallelism bounds how many URLs of one session run at once.
	URLParallelism int
	ChunkTokens    int
	// PageLimit caps the document pages handed to deep analysis.
	PageLimit        int
	DefaultStateCode string
}

// Deps are the collaborators a Scanner sequences. Documents, Extractor and
// Analyzer may be nil, which disables deep analysis.
type Deps struct {
	Pages         crawler.PageFetcher
	Documents     crawler.DocumentFetcher
	Extractor     crawler.TextExtractor
	Listing       crawler.ListingClassifier
	Analyzer      crawler.DocumentAnalyzer
	Opportunities crawler.OpportunityStore
	Sessions      crawler.SessionStore
	Hasher        crawler.Hasher
	Clock         crawler.Clock
	IDs           crawler.IDGenerator
	Events        progress.Emitter
}

// Scanner executes one scan session end to end.
type Scanner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewScanner validates deps and applies config defaults.
func NewScanner(deps Deps, cfg Config, logger *zap.Logger) (*Scanner, error) {
	switch {
	case deps.Pages == nil:
		return nil, errors.New("page fetcher is required")
	case deps.Listing == nil:
		return nil, errors.New("listing classifier is required")
	case deps.Opportunities == nil:
		return nil, errors.New("opportunity store is required")
	case deps.Sessions == nil:
		return nil, errors.New("session store is required")
	case deps.Clock == nil || deps.IDs == nil || deps.Hasher == nil:
		return nil, errors.New("clock, id generator and hasher are required")
	}
	if cfg.URLParallelism <= 0 {
		cfg.URLParallelism = 1
	}
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = reduce.DefaultChunkTokens
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = defaultPageLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{deps: deps, cfg: cfg, logger: logger}, nil
}

// NewSession records a pending session for req and returns it.
func (s *Scanner) NewSession(ctx context.Context, req crawler.ScanRequest) (crawler.Session, error) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return crawler.Session{}, fmt.Errorf("session id: %w", err)
	}
	if req.StateCode == "" {
		req.StateCode = s.cfg.DefaultStateCode
	}
	session := crawler.Session{
		ID:          id,
		Status:      crawler.SessionPending,
		TriggeredBy: req.TriggeredBy,
		Request:     req,
		Submitted:   s.deps.Clock.Now(),
	}
	if err := s.deps.Sessions.CreateSession(ctx, session); err != nil {
		return crawler.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Run scans every URL of req under sessionID and returns the aggregate
// result. It never fails: per-URL errors land in the result and the session.
func (s *Scanner) Run(ctx context.Context, sessionID string, req crawler.ScanRequest) crawler.ScanResult {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := s.logger.With(zap.String("session_id", sessionID))
	run := newSessionRun(s, sessionID, req, logger)
	s.emit(progress.Event{SessionID: sessionID, Stage: progress.StageScanStart})
	logger.Info("scan started", zap.Int("urls", len(req.URLs)), zap.Bool("stage2", req.EnableStage2))

	var g errgroup.Group
	g.SetLimit(s.cfg.URLParallelism)
	for i, rawURL := range req.URLs {
		if run.cancelled.Load() {
			break
		}
		g.Go(func() error {
			if run.cancelled.Load() || s.cancelRequested(ctx, sessionID) {
				if !run.cancelled.Swap(true) {
					logger.Info("scan cancelled before url", zap.String("url", rawURL))
				}
				return nil
			}
			run.markRunning(ctx)
			run.record(ctx, i, s.scanURL(ctx, sessionID, req, rawURL))
			return nil
		})
	}
	_ = g.Wait()

	// A cancel that lands while the last URLs are in flight has no later
	// boundary to observe it.
	if !run.cancelled.Load() && s.cancelRequested(ctx, sessionID) {
		run.cancelled.Store(true)
		logger.Info("scan cancelled while urls were in flight")
	}
	result := run.finish(ctx)
	s.emit(progress.Event{
		SessionID: sessionID,
		Stage:     progress.StageScanDone,
		Status:    result.Status,
		Found:     result.TotalFound,
		Relevant:  result.TotalRelevant,
		Saved:     result.SavedCount,
		Dur:       run.elapsed(),
		Note:      result.Error,
	})
	logger.Info("scan finished",
		zap.String("status", string(result.Status)),
		zap.Int("total_found", result.TotalFound),
		zap.Int("relevant", result.TotalRelevant),
		zap.Int("saved", result.SavedCount),
		zap.Int64("processing_ms", result.ProcessingMs),
	)
	return result
}

// cancelRequested reports whether ctx is done or the session was cancelled
// in the store.
func (s *Scanner) cancelRequested(ctx context.Context, sessionID string) bool {
	if ctx.Err() != nil {
		return true
	}
	session, err := s.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, crawler.ErrNotFound) {
			s.logger.Warn("session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return false
	}
	return session.Status == crawler.SessionCancelled
}

func (s *Scanner) scanURL(ctx context.Context, sessionID string, req crawler.ScanRequest, rawURL string) (res crawler.URLResult) {
	start := s.deps.Clock.Now()
	res = crawler.URLResult{URL: rawURL, Opportunities: []crawler.Opportunity{}}
	site, _ := crawler.Domain(rawURL)
	if site == "" {
		site = "unknown"
	}
	logger := s.logger.With(zap.String("session_id", sessionID), zap.String("url", rawURL))
	s.emit(progress.Event{SessionID: sessionID, Stage: progress.StageURLStart, Site: site, URL: rawURL})
	defer func() {
		res.Duration = s.deps.Clock.Now().Sub(start)
		s.emit(progress.Event{
			SessionID: sessionID,
			Stage:     progress.StageURLDone,
			Site:      site,
			URL:       rawURL,
			Kind:      res.ErrorKind,
			Found:     res.TotalFound,
			Relevant:  res.Relevant,
			Saved:     res.Saved,
			Dur:       res.Duration,
			Note:      res.Error,
		})
	}()

	pageURL, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		res.ErrorKind = crawler.ErrorKindUnknown
		res.Error = err.Error()
		return res
	}

	outcome := s.deps.Pages.Fetch(ctx, pageURL)
	if !outcome.Success {
		res.ErrorKind = outcome.ErrorKind
		res.Error = outcome.ErrorMessage
		logger.Warn("fetch failed",
			zap.String("kind", string(outcome.ErrorKind)),
			zap.Int("attempts", outcome.Attempts),
			zap.String("error", outcome.ErrorMessage),
		)
		return res
	}

	reduced := reduce.Reduce(outcome.HTML, pageURL)
	chunks := reduce.Chunk(reduced.Text, s.cfg.ChunkTokens)
	logger.Debug("content reduced",
		zap.String("strategy", string(reduced.Strategy)),
		zap.Int("rows", reduced.Rows),
		zap.Int("chars", len(reduced.Text)),
		zap.Int("chunks", len(chunks)),
	)

	var candidates []crawler.Candidate
	if strings.TrimSpace(reduced.Text) != "" {
		candidates, err = s.deps.Listing.Classify(ctx, pageURL, chunks)
		if err != nil {
			res.ErrorKind = crawler.ErrorKindUnknown
			res.Error = fmt.Sprintf("classification failed: %v", err)
			logger.Error("listing classification failed", zap.Error(err))
			return res
		}
	}

	res.Success = true
	res.ErrorKind = crawler.ErrorKindSuccess
	res.TotalFound = len(candidates)

	toSave := make([]crawler.Opportunity, 0, len(candidates))
	for _, c := range candidates {
		opp := crawler.Merge(c, nil)
		if c.IsRelevant {
			res.Relevant++
			if req.EnableStage2 && c.DocumentURL != "" {
				opp = s.enrich(ctx, logger, c)
			}
			if wanted(req.Categories, opp.Category) {
				toSave = append(toSave, opp)
			}
		}
		res.Opportunities = append(res.Opportunities, opp)
	}

	if len(toSave) == 0 {
		return res
	}
	stateCode := req.StateCode
	if stateCode == "" {
		stateCode = s.cfg.DefaultStateCode
	}
	saved, err := s.deps.Opportunities.SaveBatch(ctx, crawler.SaveBatch{
		SessionID:     sessionID,
		PageURL:       pageURL,
		StateCode:     stateCode,
		Opportunities: toSave,
	})
	metrics.ObserveSaveResult(saved.Saved, saved.Duplicates, saved.Failed)
	res.Saved = saved.Saved
	res.Duplicates = saved.Duplicates
	if err != nil {
		res.Error = fmt.Sprintf("persistence failed: %v", err)
		logger.Error("save opportunities failed", zap.Error(err))
	}
	return res
}

// enrich runs deep analysis for one candidate. Any failure keeps the listing
// classification.
func (s *Scanner) enrich(ctx context.Context, logger *zap.Logger, c crawler.Candidate) crawler.Opportunity {
	if s.deps.Documents == nil || s.deps.Extractor == nil || s.deps.Analyzer == nil {
		return crawler.Merge(c, nil)
	}
	logger = logger.With(zap.String("document_id", c.ExternalID), zap.String("document_url", c.DocumentURL))

	data, err := s.deps.Documents.Download(ctx, c.DocumentURL)
	if err != nil {
		metrics.ObserveDocument("download_failed")
		logger.Warn("document download failed", zap.Error(err))
		return crawler.Merge(c, nil)
	}
	digest, err := s.deps.Hasher.Hash(data)
	if err != nil {
		logger.Warn("document hash failed", zap.Error(err))
	}
	text, err := s.deps.Extractor.ExtractText(ctx, data, s.cfg.PageLimit)
	if err != nil {
		metrics.ObserveDocument("extract_failed")
		logger.Warn("document text extraction failed", zap.Int("bytes", len(data)), zap.Error(err))
		return crawler.Merge(c, nil)
	}
	enrichment, err := s.deps.Analyzer.Analyze(ctx, c, text)
	if err != nil {
		metrics.ObserveDocument("analysis_failed")
		logger.Warn("document analysis failed", zap.Error(err))
		return crawler.Merge(c, nil)
	}
	enrichment.DocumentSHA256 = digest
	metrics.ObserveDocument("enriched")
	logger.Info("opportunity enriched",
		zap.String("confirmed_category", string(enrichment.Classification.ConfirmedCategory)),
		zap.Float64("confidence", enrichment.Classification.Confidence),
	)
	return crawler.Merge(c, &enrichment)
}

// wanted reports whether category passes the optional category filter.
func wanted(filter []string, category crawler.Category) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.ContainsFunc(filter, func(f string) bool {
		return strings.EqualFold(strings.TrimSpace(f), string(category))
	})
}

func (s *Scanner) emit(evt progress.Event) {
	if s.deps.Events == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = s.deps.Clock.Now().UTC()
	}
	s.deps.Events.Emit(evt)
}

// sessionRun accumulates the state of one Run. Store writes happen under mu
// so a later snapshot never lands before an earlier one.
type sessionRun struct {
	store  crawler.SessionStore
	clock  crawler.Clock
	logger *zap.Logger
	begin  time.Time

	cancelled atomic.Bool

	mu      sync.Mutex
	session crawler.Session
	results []crawler.URLResult
	done    []bool
}

func newSessionRun(s *Scanner, id string, req crawler.ScanRequest, logger *zap.Logger) *sessionRun {
	now := s.deps.Clock.Now()
	return &sessionRun{
		store:   s.deps.Sessions,
		clock:   s.deps.Clock,
		logger:  logger,
		begin:   now,
		results: make([]crawler.URLResult, len(req.URLs)),
		done:    make([]bool, len(req.URLs)),
		session: crawler.Session{
			ID:          id,
			Status:      crawler.SessionPending,
			TriggeredBy: req.TriggeredBy,
			Request:     req,
			Submitted:   now,
		},
	}
}

// markRunning moves the session to running when its first URL starts.
func (r *sessionRun) markRunning(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session.Status != crawler.SessionPending {
		return
	}
	now := r.clock.Now()
	r.session.Status = crawler.SessionRunning
	r.session.Started = &now
	r.persist(ctx)
}

func (r *sessionRun) record(ctx context.Context, idx int, res crawler.URLResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[idx] = res
	r.done[idx] = true

	m := &r.session.Metrics
	m.URLsProcessed++
	m.TotalFound += res.TotalFound
	m.Relevant += res.Relevant
	m.NotRelevant += res.TotalFound - res.Relevant
	m.Saved += res.Saved
	m.Duplicates += res.Duplicates
	if !res.Success || res.Error != "" {
		m.Errors++
		msg := fmt.Sprintf("%s: %s", res.URL, res.Error)
		r.session.Errors = append(r.session.Errors, msg)
		r.session.LastError = msg
	}
	r.persist(ctx)
}

func (r *sessionRun) finish(ctx context.Context) crawler.ScanResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]crawler.URLResult, 0, len(r.results))
	succeeded := 0
	for i, res := range r.results {
		if !r.done[i] {
			continue
		}
		results = append(results, res)
		if res.Success {
			succeeded++
		}
	}

	status, errText := crawler.SessionFailed, ""
	switch {
	case r.cancelled.Load():
		status, errText = crawler.SessionCancelled, "scan cancelled"
	case len(results) == 0:
		errText = "no urls were scanned"
	case succeeded == len(results):
		status = crawler.SessionCompleted
	case succeeded > 0:
		status = crawler.SessionPartial
	default:
		errText = fmt.Sprintf("all %d urls failed", len(results))
	}

	now := r.clock.Now()
	result := crawler.ScanResult{
		Success:       succeeded > 0,
		SessionID:     r.session.ID,
		Status:        status,
		Results:       results,
		TotalFound:    r.session.Metrics.TotalFound,
		TotalRelevant: r.session.Metrics.Relevant,
		SavedCount:    r.session.Metrics.Saved,
		Metrics:       r.session.Metrics,
		Error:         errText,
		ProcessingMs:  now.Sub(r.begin).Milliseconds(),
	}
	r.session.Status = status
	r.session.Finished = &now
	r.session.Result = &result
	r.persist(ctx)
	return result
}

func (r *sessionRun) elapsed() time.Duration {
	return r.clock.Now().Sub(r.begin)
}

// persist writes the current snapshot. Callers hold mu.
func (r *sessionRun) persist(ctx context.Context) {
	snapshot := r.session
	snapshot.Errors = slices.Clone(r.session.Errors)
	if err := r.store.UpdateSession(context.WithoutCancel(ctx), snapshot); err != nil {
		r.logger.Warn("session update failed", zap.String("status", string(snapshot.Status)), zap.Error(err))
	}
}
