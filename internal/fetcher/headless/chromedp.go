// Package headless renders listing pages in a stealth-configured headless
// Chrome and classifies failures into the fetch error taxonomy.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
	"github.com/JakeFAU/rfp-scanner/internal/headless/detector"
	"github.com/JakeFAU/rfp-scanner/internal/metrics"
	"github.com/JakeFAU/rfp-scanner/internal/policy/ratelimit"
	"github.com/JakeFAU/rfp-scanner/internal/retry"
)

const (
	defaultAttemptTimeout     = 60 * time.Second
	defaultNavigationTimeout  = 45 * time.Second
	defaultNetworkIdleTimeout = 30 * time.Second
	settleMin                 = 3 * time.Second
	settleMax                 = 5 * time.Second
	scrollPause               = time.Second
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel int
	UserAgent   string
	// Timeout bounds one browser attempt end to end.
	Timeout            time.Duration
	NavigationTimeout  time.Duration
	NetworkIdleTimeout time.Duration
	StealthMode        bool
	DelayMin           time.Duration
	DelayMax           time.Duration
	ViewportWidth      int
	ViewportHeight     int
	ProxyURL           string
	ProxyUsername      string
	ProxyPassword      string
	// Retry.MaxAttempts is the total number of browser attempts per URL.
	Retry retry.Policy
}

// renderedPage is what one browser attempt produced.
type renderedPage struct {
	HTML       string
	StatusCode int
	FinalURL   string
}

type renderFunc func(ctx context.Context, rawURL string, p profile) (renderedPage, error)

// Fetcher implements crawler.PageFetcher using chromedp and headless Chrome.
// Every attempt launches its own browser so no state leaks between attempts.
type Fetcher struct {
	cfg      Config
	limiter  chan struct{}
	rate     *ratelimit.Limiter
	detector *detector.Heuristic
	logger   *zap.Logger
	render   renderFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. rate may be nil.
func NewChromedp(cfg Config, rate *ratelimit.Limiter, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.DelayMax < cfg.DelayMin {
		return nil, fmt.Errorf("random delay max must be >= min")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.NetworkIdleTimeout <= 0 {
		cfg.NetworkIdleTimeout = defaultNetworkIdleTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	f := &Fetcher{
		cfg:      cfg,
		limiter:  limiter,
		rate:     rate,
		detector: detector.NewHeuristic(0),
		logger:   logger,
	}
	f.render = f.renderChrome
	return f, nil
}

// Fetch renders rawURL, retrying transient failures with exponential backoff.
// Every attempt waits on the per-domain limiter first. Failures are reported
// in the outcome; Fetch never returns an error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) crawler.FetchOutcome {
	start := time.Now()
	out := crawler.FetchOutcome{URL: rawURL, ErrorKind: crawler.ErrorKindUnknown}
	defer func() {
		out.Duration = time.Since(start)
		metrics.ObserveFetch(rawURL, string(out.ErrorKind), len(out.HTML))
	}()

	maxAttempts := f.cfg.Retry.MaxAttempts
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := f.rate.Wait(ctx, rawURL); err != nil {
			out.ErrorKind, out.ErrorMessage = crawler.ClassifyError(0, err.Error())
			return out
		}
		out.Attempts = attempt + 1
		res, err := f.attempt(ctx, rawURL)
		kind, msg, status := f.classify(res, err)
		metrics.ObserveFetchAttempt(string(kind))

		out.ErrorKind, out.ErrorMessage, out.StatusCode = kind, msg, status
		if kind == crawler.ErrorKindSuccess {
			out.Success = true
			out.HTML = res.HTML
			out.ErrorMessage = ""
			f.logger.Info("page fetched",
				zap.String("url", rawURL),
				zap.Int("attempt", out.Attempts),
				zap.Int("bytes", len(res.HTML)),
				zap.Int("status", status),
			)
			return out
		}

		f.logger.Warn("page fetch failed",
			zap.String("url", rawURL),
			zap.Int("attempt", out.Attempts),
			zap.String("error_kind", string(kind)),
			zap.String("error", msg),
		)
		if ctx.Err() != nil || attempt == maxAttempts-1 || !crawler.RetryableFetch(kind, status) {
			return out
		}
		if err := retry.Sleep(ctx, f.cfg.Retry.Backoff(attempt)); err != nil {
			return out
		}
	}
	return out
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string) (renderedPage, error) {
	if err := f.acquire(ctx); err != nil {
		return renderedPage{}, err
	}
	defer f.release()
	return f.render(ctx, rawURL, f.newProfile())
}

// classify maps one attempt to a kind, a message and the HTTP status. A
// successful response whose body is a bot challenge counts as bot detection
// and is not retried.
func (f *Fetcher) classify(res renderedPage, err error) (crawler.ErrorKind, string, int) {
	if err != nil {
		kind, msg := crawler.ClassifyError(0, err.Error())
		return kind, msg, 0
	}
	if res.StatusCode >= http.StatusBadRequest {
		kind, msg := crawler.ClassifyError(res.StatusCode, "")
		return kind, msg, res.StatusCode
	}
	if marker, blocked := f.detector.Marker(res.HTML); blocked {
		return crawler.ErrorKindBotDetected,
			fmt.Sprintf("bot detection page returned (%q marker in a %d byte page)", marker, len(res.HTML)),
			res.StatusCode
	}
	return crawler.ErrorKindSuccess, "", res.StatusCode
}

func (f *Fetcher) allocatorOptions(p profile) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", stealthLocale),
		chromedp.WindowSize(p.Viewport.Width, p.Viewport.Height),
		chromedp.UserAgent(p.UserAgent),
	)
	if server, _, _ := f.proxy(); server != "" {
		opts = append(opts, chromedp.ProxyServer(server))
	}
	return opts
}

func (f *Fetcher) renderChrome(ctx context.Context, rawURL string, p profile) (renderedPage, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, f.allocatorOptions(p)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.attemptTimeout())
	defer cancel()

	server, user, pass := f.proxy()
	proxyAuth := server != "" && user != ""

	meta := newResponseMeta()
	idle := newIdleWatcher()
	chromedp.ListenTarget(taskCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			meta.capture(e)
		case *page.EventLifecycleEvent:
			idle.observe(e.Name)
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(taskCtx, fetch.ContinueRequest(e.RequestID))
			}()
		case *fetch.EventAuthRequired:
			go func() {
				_ = chromedp.Run(taskCtx, fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: user,
					Password: pass,
				}))
			}()
		}
	})

	var html, finalURL string
	actions := []chromedp.Action{
		f.networkSetupAction(p, proxyAuth),
	}
	if p.Stealth {
		actions = append(actions, chromedp.Sleep(jitter(f.cfg.DelayMin, f.cfg.DelayMax)))
	}
	settle := settleMin
	if p.Stealth {
		settle = jitter(settleMin, settleMax)
	}
	actions = append(actions,
		chromedp.ActionFunc(func(context.Context) error {
			idle.arm()
			return nil
		}),
		f.navigateAction(rawURL),
		f.waitNetworkIdle(idle, rawURL),
		chromedp.Sleep(settle),
		f.scrollAction(rawURL),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return renderedPage{}, fmt.Errorf("page load timeout after %s: %w", f.attemptTimeout(), err)
		}
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, _, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	return renderedPage{HTML: html, StatusCode: status, FinalURL: responseURL}, nil
}

func (f *Fetcher) networkSetupAction(p profile, proxyAuth bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		if proxyAuth {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable proxy auth: %w", err)
			}
		}
		if err := emulation.SetUserAgentOverride(p.UserAgent).WithAcceptLanguage(acceptLanguage).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(int64(p.Viewport.Width), int64(p.Viewport.Height), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if err := emulation.SetLocaleOverride().WithLocale(stealthLocale).Do(ctx); err != nil {
			return fmt.Errorf("set locale: %w", err)
		}
		if err := emulation.SetTimezoneOverride(stealthTimezone).Do(ctx); err != nil {
			return fmt.Errorf("set timezone: %w", err)
		}
		if !p.Stealth {
			return nil
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx); err != nil {
			return fmt.Errorf("add stealth script: %w", err)
		}
		if len(p.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(p.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// waitNetworkIdle waits for the network to go quiet. Timing out is not an
// error; the page is read with whatever has loaded.
func (f *Fetcher) waitNetworkIdle(idle *idleWatcher, rawURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		timer := time.NewTimer(f.cfg.NetworkIdleTimeout)
		defer timer.Stop()
		select {
		case <-idle.done():
		case <-timer.C:
			f.logger.Warn("network idle timeout, continuing with available content", zap.String("url", rawURL))
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
}

func (f *Fetcher) scrollAction(rawURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		err := chromedp.Evaluate(scrollScript, nil, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}).Do(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("scroll failed", zap.String("url", rawURL), zap.Error(err))
		}
		return chromedp.Sleep(scrollPause).Do(ctx)
	})
}

// proxy splits the configured proxy into a server address and credentials.
// Credentials embedded in the URL are used when none are configured.
func (f *Fetcher) proxy() (server, user, pass string) {
	if f.cfg.ProxyURL == "" {
		return "", "", ""
	}
	user, pass = f.cfg.ProxyUsername, f.cfg.ProxyPassword
	u, err := url.Parse(f.cfg.ProxyURL)
	if err != nil || u.Host == "" {
		return f.cfg.ProxyURL, user, pass
	}
	if u.User != nil && user == "" {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	return u.Scheme + "://" + u.Host, user, pass
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// navigateAction loads rawURL and waits for the body under the navigation
// timeout, which is tighter than the attempt timeout.
func (f *Fetcher) navigateAction(rawURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		navCtx, cancel := context.WithTimeout(ctx, f.navTimeout())
		defer cancel()
		if err := chromedp.Navigate(rawURL).Do(navCtx); err != nil {
			return fmt.Errorf("navigation timeout after %s: %w", f.navTimeout(), err)
		}
		if err := chromedp.WaitReady("body", chromedp.ByQuery).Do(navCtx); err != nil {
			return fmt.Errorf("navigation timeout after %s: %w", f.navTimeout(), err)
		}
		return nil
	})
}

func (f *Fetcher) attemptTimeout() time.Duration {
	if f.cfg.Timeout > 0 {
		return f.cfg.Timeout
	}
	return defaultAttemptTimeout
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

// idleWatcher closes its channel on the first networkIdle lifecycle event
// that follows a fresh navigation.
type idleWatcher struct {
	mu       sync.Mutex
	armed    bool
	seenInit bool
	ch       chan struct{}
	once     sync.Once
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{ch: make(chan struct{})}
}

func (w *idleWatcher) arm() {
	w.mu.Lock()
	w.armed = true
	w.mu.Unlock()
}

func (w *idleWatcher) observe(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return
	}
	switch name {
	case "init":
		w.seenInit = true
	case "networkIdle":
		if w.seenInit {
			w.once.Do(func() { close(w.ch) })
		}
	}
}

func (w *idleWatcher) done() <-chan struct{} {
	return w.ch
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

// capture records the first document response; redirects and later frames
// do not overwrite it.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, respURL := m.snapshot()
	switch {
	case respURL != "":
	case finalURL != "":
		respURL = finalURL
	default:
		respURL = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, respURL
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
