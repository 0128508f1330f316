package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a scan target. It lowercases the scheme and host,
// removes default ports and the fragment, and sorts query parameters. Only
// absolute http(s) URLs are accepted.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// Domain returns the host[:port] of a page URL as written.
func Domain(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", pageURL)
	}
	return u.Host, nil
}

// BaseURL returns scheme://host of a page URL.
func BaseURL(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", pageURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// SourceName is the synthesized source name for a domain.
func SourceName(domain string) string {
	return "Ad-hoc: " + domain
}
