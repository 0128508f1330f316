// Package collyfetcher downloads linked source documents over plain HTTP
// using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
	"github.com/JakeFAU/rfp-scanner/internal/policy/ratelimit"
	"github.com/JakeFAU/rfp-scanner/internal/retry"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxBodySize = 50 << 20
	documentAccept     = "application/pdf,application/vnd.openxmlformats-officedocument.wordprocessingml.document,application/msword,*/*;q=0.8"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	ProxyURL    string
	// ProxyUsername and ProxyPassword, when set, replace any userinfo in
	// ProxyURL.
	ProxyUsername string
	ProxyPassword string
	// Retry.Retryable is replaced; only timeouts and HTTP 429 are retried.
	Retry retry.Policy
}

// Downloader implements crawler.DocumentFetcher using the Colly collector.
type Downloader struct {
	cfg           Config
	baseCollector *colly.Collector
	rate          *ratelimit.Limiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Downloader. rate may be nil.
func New(cfg Config, rate *ratelimit.Limiter, logger *zap.Logger) (*Downloader, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport, err := newHTTPTransport(cfg.ProxyURL, cfg.ProxyUsername, cfg.ProxyPassword)
	if err != nil {
		return nil, err
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	c.MaxBodySize = cfg.MaxBodySize
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	return &Downloader{
		cfg:           cfg,
		baseCollector: c,
		rate:          rate,
		logger:        logger,
	}, nil
}

// Download fetches the document at rawURL, following redirects. Timeouts and
// HTTP 429 are retried with backoff; every other failure is returned at once
// as a *crawler.FetchError.
func (d *Downloader) Download(ctx context.Context, rawURL string) ([]byte, error) {
	if err := d.rate.Wait(ctx, rawURL); err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}

	policy := d.cfg.Retry
	policy.Retryable = retryableDownload
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.logger.Warn("document download failed, retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	body, err := retry.DoVal(ctx, policy, func(ctx context.Context) ([]byte, error) {
		return d.once(ctx, rawURL)
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	d.logger.Debug("document downloaded", zap.String("url", rawURL), zap.Int("bytes", len(body)))
	return body, nil
}

func (d *Downloader) once(ctx context.Context, rawURL string) ([]byte, error) {
	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := d.baseCollector.Clone()
	d.configureCollectorHooks(collector, &body, &status, &fetchErr)

	err := runCollector(ctx, collector, rawURL, &fetchErr)
	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("download canceled: %w", ctx.Err())
	case status >= http.StatusBadRequest:
		kind, msg := crawler.ClassifyError(status, "")
		return nil, &crawler.FetchError{Kind: kind, StatusCode: status, Message: msg}
	case err != nil:
		kind, msg := crawler.ClassifyError(0, err.Error())
		return nil, &crawler.FetchError{Kind: kind, StatusCode: status, Message: msg}
	case len(body) == 0:
		return nil, crawler.ErrEmptyDocument
	}
	return body, nil
}

func (d *Downloader) configureCollectorHooks(
	hooks collectorHooks,
	body *[]byte,
	status *int,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", documentAccept)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly download canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func retryableDownload(err error) bool {
	var fe *crawler.FetchError
	if !errors.As(err, &fe) {
		return false
	}
	return crawler.RetryableDownload(fe.Kind, fe.StatusCode)
}

func newHTTPTransport(proxyURL, username, password string) (*http.Transport, error) {
	proxy := http.ProxyFromEnvironment
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", proxyURL)
		}
		if username != "" {
			u.User = url.UserPassword(username, password)
		}
		proxy = http.ProxyURL(u)
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}, nil
}
