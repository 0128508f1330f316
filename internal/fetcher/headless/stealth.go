package headless

import (
	"math/rand/v2"
	"net/http"
	"time"
)

// Fixed browser locale presented to every site.
const (
	stealthLocale   = "en-US"
	stealthTimezone = "America/New_York"
	acceptLanguage  = "en-US,en;q=0.9"
)

var stealthUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

type viewport struct {
	Width  int
	Height int
}

var stealthViewports = []viewport{
	{1920, 1080},
	{1366, 768},
	{1536, 864},
	{1440, 900},
	{1280, 720},
}

// stealthScript runs before any page script and hides the usual automation
// fingerprints.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
window.chrome = { runtime: {} };
const originalQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
  parameters.name === 'notifications'
    ? Promise.resolve({ state: Notification.permission })
    : originalQuery(parameters)
);
`

// scrollScript walks to the bottom of the page in four steps and back to the
// top so lazily loaded rows are rendered.
const scrollScript = `(async () => {
  const delay = ms => new Promise(resolve => setTimeout(resolve, ms));
  const step = document.body.scrollHeight / 4;
  for (let i = 0; i <= 4; i++) {
    window.scrollTo(0, step * i);
    await delay(300);
  }
  window.scrollTo(0, 0);
})()`

func stealthHeaders() http.Header {
	return http.Header{
		"Accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"},
		"Accept-Language":           {acceptLanguage},
		"Cache-Control":             {"no-cache"},
		"Pragma":                    {"no-cache"},
		"Sec-Ch-Ua":                 {`"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`},
		"Sec-Ch-Ua-Mobile":          {"?0"},
		"Sec-Ch-Ua-Platform":        {`"Windows"`},
		"Sec-Fetch-Dest":            {"document"},
		"Sec-Fetch-Mode":            {"navigate"},
		"Sec-Fetch-Site":            {"none"},
		"Sec-Fetch-User":            {"?1"},
		"Upgrade-Insecure-Requests": {"1"},
	}
}

// profile is the browser identity used for one attempt.
type profile struct {
	UserAgent string
	Viewport  viewport
	Stealth   bool
	Headers   http.Header
}

func (f *Fetcher) newProfile() profile {
	p := profile{
		UserAgent: f.cfg.UserAgent,
		Viewport:  viewport{Width: f.cfg.ViewportWidth, Height: f.cfg.ViewportHeight},
		Stealth:   f.cfg.StealthMode,
	}
	if p.UserAgent == "" {
		p.UserAgent = stealthUserAgents[rand.IntN(len(stealthUserAgents))]
	}
	if p.Stealth {
		p.Viewport = stealthViewports[rand.IntN(len(stealthViewports))]
		p.Headers = stealthHeaders()
	}
	if p.Viewport.Width <= 0 || p.Viewport.Height <= 0 {
		p.Viewport = stealthViewports[0]
	}
	return p
}

// jitter returns a uniformly random duration in [lo, hi].
func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
