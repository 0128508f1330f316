// Package app builds and holds the long-lived services of the scanner,
// acting as the dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/rfp-scanner/internal/api"
	"github.com/JakeFAU/rfp-scanner/internal/classify"
	"github.com/JakeFAU/rfp-scanner/internal/clock/system"
	"github.com/JakeFAU/rfp-scanner/internal/config"
	"github.com/JakeFAU/rfp-scanner/internal/crawler"
	"github.com/JakeFAU/rfp-scanner/internal/dispatcher"
	"github.com/JakeFAU/rfp-scanner/internal/extract"
	collyfetcher "github.com/JakeFAU/rfp-scanner/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/rfp-scanner/internal/fetcher/headless"
	"github.com/JakeFAU/rfp-scanner/internal/hash/sha256"
	"github.com/JakeFAU/rfp-scanner/internal/id/uuid"
	"github.com/JakeFAU/rfp-scanner/internal/llm"
	"github.com/JakeFAU/rfp-scanner/internal/policy/ratelimit"
	"github.com/JakeFAU/rfp-scanner/internal/progress"
	progresssinks "github.com/JakeFAU/rfp-scanner/internal/progress/sinks"
	queueMemory "github.com/JakeFAU/rfp-scanner/internal/queue/memory"
	memoryStorage "github.com/JakeFAU/rfp-scanner/internal/storage/memory"
	pgstore "github.com/JakeFAU/rfp-scanner/internal/storage/postgres"
	"github.com/JakeFAU/rfp-scanner/internal/worker"
)

const (
	rateBurst       = 1
	poolMaxLifetime = 30 * time.Minute
)

// App holds the shared services built from one Config.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool          *pgxpool.Pool
	sessions      crawler.SessionStore
	opportunities crawler.OpportunityStore

	scanner    *worker.Scanner
	queue      *queueMemory.Queue
	dispatcher *dispatcher.Dispatcher
	hub        *progress.Hub
	server     *api.Server

	closeOnce sync.Once
}

// Options carries the collaborators New cannot build from Config alone.
type Options struct {
	// Registerer receives the scan lifecycle collectors. Nil selects the
	// default Prometheus registerer.
	Registerer prometheus.Registerer
	// Pages replaces the headless browser fetcher.
	Pages crawler.PageFetcher
	// LLM replaces the SDK-backed model client.
	LLM llm.Client
}

// New wires every component. An empty db.dsn selects in-memory stores.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	a := &App{cfg: cfg, logger: logger}

	ids := uuid.New()
	clock := system.New()

	if err := a.initStores(ctx, ids, clock); err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Fetch.DomainRPS, DefaultBurst: rateBurst})

	pages := opts.Pages
	if pages == nil {
		fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:        cfg.Fetch.MaxBrowsers,
			UserAgent:          cfg.Fetch.UserAgent,
			Timeout:            seconds(cfg.Fetch.TimeoutSeconds),
			NavigationTimeout:  seconds(cfg.Fetch.NavigationTimeoutSeconds),
			NetworkIdleTimeout: seconds(cfg.Fetch.NetworkIdleTimeoutSeconds),
			StealthMode:        cfg.Fetch.StealthMode,
			DelayMin:           millis(cfg.Fetch.RandomDelayMinMs),
			DelayMax:           millis(cfg.Fetch.RandomDelayMaxMs),
			ViewportWidth:      cfg.Fetch.ViewportWidth,
			ViewportHeight:     cfg.Fetch.ViewportHeight,
			ProxyURL:           cfg.Fetch.ProxyURL,
			ProxyUsername:      cfg.Fetch.ProxyUsername,
			ProxyPassword:      cfg.Fetch.ProxyPassword,
			Retry:              cfg.FetchRetry(),
		}, limiter, logger.Named("fetcher"))
		if err != nil {
			a.closePool()
			return nil, fmt.Errorf("init page fetcher: %w", err)
		}
		pages = fetcher
	}

	documents, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		Timeout:       seconds(cfg.Document.DownloadTimeoutSeconds),
		MaxBodySize:   int(cfg.Document.MaxBytes),
		ProxyURL:      cfg.Fetch.ProxyURL,
		ProxyUsername: cfg.Fetch.ProxyUsername,
		ProxyPassword: cfg.Fetch.ProxyPassword,
		Retry:         cfg.FetchRetry(),
	}, limiter, logger.Named("downloader"))
	if err != nil {
		a.closePool()
		return nil, fmt.Errorf("init document downloader: %w", err)
	}

	var ocr crawler.TextExtractor
	if cfg.Extract.Endpoint != "" {
		ocr = extract.NewService(cfg.Extract.Endpoint, cfg.Extract.APIKey, cfg.Extract.Model, nil, cfg.LLMRetry())
	}
	var pdftotext crawler.TextExtractor
	if cfg.Extract.PdftotextPath != "" {
		pdftotext = extract.NewPdfToText(cfg.Extract.PdftotextPath)
	}
	extractor := extract.NewChain(ocr, extract.NewPDF(pdftotext), extract.NewDocx(), logger.Named("extract"))

	model := opts.LLM
	if model == nil {
		model = llm.NewClient(llm.Config{APIKey: cfg.LLM.APIKey})
	}
	stage1 := classify.NewStage1(model, classify.Options{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.Stage1MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Retry:       cfg.LLMRetry(),
	}, logger.Named("stage1"))
	stage2 := classify.NewStage2(model, classify.Options{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.Stage2MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Retry:       cfg.LLMRetry(),
	}, cfg.LLM.DocumentCharLimit, logger.Named("stage2"))

	promSink, err := progresssinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		a.closePool()
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		progresssinks.NewLogSink(logger.Named("events")),
		promSink,
	)

	a.scanner, err = worker.NewScanner(worker.Deps{
		Pages:         pages,
		Documents:     documents,
		Extractor:     extractor,
		Listing:       stage1,
		Analyzer:      stage2,
		Opportunities: a.opportunities,
		Sessions:      a.sessions,
		Hasher:        sha256.New(),
		Clock:         clock,
		IDs:           ids,
		Events:        a.hub,
	}, worker.Config{
		URLParallelism:   cfg.Scanner.URLParallelism,
		ChunkTokens:      cfg.LLM.ChunkTokens,
		PageLimit:        cfg.Document.PageLimit,
		DefaultStateCode: cfg.Scanner.DefaultStateCode,
	}, logger.Named("scanner"))
	if err != nil {
		_ = a.closeAll(ctx)
		return nil, fmt.Errorf("init scanner: %w", err)
	}

	a.queue = queueMemory.NewQueue(cfg.Scanner.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Scanner.Workers)
	for i := 0; i < cfg.Scanner.Workers; i++ {
		workers = append(workers, worker.New(a.queue, a.scanner, logger.Named("worker").With(zap.Int("index", i))))
	}
	a.dispatcher = dispatcher.New(a.queue, workers)

	a.server = api.NewServer(a.scanner, a.sessions, a.dispatcher, clock, a.Ready, cfg, logger.Named("api"))
	return a, nil
}

func (a *App) initStores(ctx context.Context, ids crawler.IDGenerator, clock crawler.Clock) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory stores; results are lost on exit")
		a.sessions = memoryStorage.NewSessionStore()
		a.opportunities = memoryStorage.NewOpportunityStore()
		return nil
	}

	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: poolMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	a.pool = pool

	opportunities, err := pgstore.NewOpportunityStore(pool, ids, clock, a.logger.Named("store"))
	if err != nil {
		a.closePool()
		return fmt.Errorf("init opportunity store: %w", err)
	}
	sessions, err := pgstore.NewSessionStore(pool, clock)
	if err != nil {
		a.closePool()
		return fmt.Errorf("init session store: %w", err)
	}
	a.opportunities, a.sessions = opportunities, sessions
	a.logger.Info("using postgres stores")
	return nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Scanner returns the session runner.
func (a *App) Scanner() *worker.Scanner {
	return a.scanner
}

// Sessions returns the session store.
func (a *App) Sessions() crawler.SessionStore {
	return a.sessions
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Scan creates a session for req and runs it to completion.
func (a *App) Scan(ctx context.Context, req crawler.ScanRequest) (crawler.ScanResult, error) {
	session, err := a.scanner.NewSession(ctx, req)
	if err != nil {
		return crawler.ScanResult{}, err
	}
	return a.scanner.Run(ctx, session.ID, session.Request), nil
}

// RunWorkers drains the async queue until ctx ends.
func (a *App) RunWorkers(ctx context.Context) {
	a.dispatcher.Run(ctx)
}

// Ready pings the database when one is configured.
func (a *App) Ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close stops the queue, flushes pending events and releases the pool. It
// is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		err = a.closeAll(ctx)
	})
	return err
}

func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	if a.queue != nil {
		a.queue.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	a.closePool()
	return errors.Join(errs...)
}

func (a *App) closePool() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
