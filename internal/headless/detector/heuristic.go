// Package detector recognizes anti-bot interstitials served with a 200 status.
package detector

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultShortPageBytes is the size below which a page is inspected for
// challenge markers. Real listing pages are far larger.
const DefaultShortPageBytes = 2000

var pageMarkers = []string{
	"captcha",
	"robot verification",
	"please verify you are human",
	"access denied",
	"blocked",
	"cloudflare",
	"please enable javascript",
	"unusual traffic",
	"automated access",
}

var challengeSelectors = strings.Join([]string{
	"#challenge-form",
	"#cf-challenge-running",
	".g-recaptcha",
	".h-captcha",
	"iframe[src*='captcha']",
}, ", ")

// Heuristic flags short pages that look like bot challenges.
type Heuristic struct {
	ShortPageBytes int
}

// NewHeuristic creates a new detector. threshold <= 0 selects
// DefaultShortPageBytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultShortPageBytes
	}
	return &Heuristic{ShortPageBytes: threshold}
}

// LooksBlocked reports whether html is a challenge page rather than content.
func (h *Heuristic) LooksBlocked(html string) bool {
	_, blocked := h.Marker(html)
	return blocked
}

// Marker returns the first challenge marker found in a short page.
func (h *Heuristic) Marker(html string) (string, bool) {
	if len(html) >= h.ShortPageBytes {
		return "", false
	}
	lower := strings.ToLower(html)
	for _, marker := range pageMarkers {
		if strings.Contains(lower, marker) {
			return marker, true
		}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}
	if sel := doc.Find(challengeSelectors).First(); sel.Length() > 0 {
		return goquery.NodeName(sel), true
	}
	return "", false
}
