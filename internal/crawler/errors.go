package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind is the fetch error taxonomy reported per URL.
type ErrorKind string

// Fetch error kinds.
const (
	ErrorKindSuccess         ErrorKind = "success"
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindGeoBlocked      ErrorKind = "geo_blocked"
	ErrorKindBotDetected     ErrorKind = "bot_detected"
	ErrorKindConnectionError ErrorKind = "connection_error"
	ErrorKindSSLError        ErrorKind = "ssl_error"
	ErrorKindDNSError        ErrorKind = "dns_error"
	ErrorKindHTTPError       ErrorKind = "http_error"
	ErrorKindUnknown         ErrorKind = "unknown"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound          = errors.New("not found")
	ErrEmptyDocument     = errors.New("empty document")
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrSessionFinished   = errors.New("session already finished")
	ErrQueueClosed       = errors.New("queue closed")
)

// FetchError carries the classified kind of a failed fetch or download.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf extracts the ErrorKind from err, defaulting to unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorKindSuccess
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ErrorKindUnknown
}

var (
	timeoutMarkers    = []string{"timeout", "timed out", "timed_out", "deadline exceeded"}
	dnsMarkers        = []string{"net::err_name_not_resolved", "dns", "no such host"}
	connectionMarkers = []string{
		"net::err_connection_refused",
		"net::err_connection_reset",
		"net::err_connection_closed",
		"connection refused",
		"connection reset",
		"broken pipe",
	}
	sslMarkers = []string{"ssl", "certificate", "x509", "tls:"}
	botMarkers = []string{"captcha", "robot", "blocked", "denied"}
)

// ClassifyError maps a response status and transport error message to an
// ErrorKind and a human-readable message. A status of zero means no response
// was received.
func ClassifyError(status int, message string) (ErrorKind, string) {
	switch {
	case status == http.StatusForbidden || status == http.StatusUnavailableForLegalReasons:
		return ErrorKindGeoBlocked, fmt.Sprintf(
			"HTTP %d %s: access blocked, possibly geo-restricted; a proxy in the target region may be required",
			status, http.StatusText(status))
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return ErrorKindBotDetected, fmt.Sprintf(
			"HTTP %d %s: rate limited or blocked by bot protection", status, http.StatusText(status))
	case status >= 400 && status < 600:
		return ErrorKindHTTPError, fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
	}

	lower := strings.ToLower(message)
	switch {
	case lower == "":
		return ErrorKindUnknown, "unknown error"
	case containsAny(lower, timeoutMarkers):
		return ErrorKindTimeout, "request timed out: " + message
	case containsAny(lower, dnsMarkers):
		return ErrorKindDNSError, "DNS resolution failed: " + message
	case containsAny(lower, connectionMarkers):
		return ErrorKindConnectionError, "connection failed: " + message
	case containsAny(lower, sslMarkers):
		return ErrorKindSSLError, "SSL/TLS error: " + message
	case containsAny(lower, botMarkers):
		return ErrorKindBotDetected, "bot detection triggered: " + message
	default:
		return ErrorKindUnknown, message
	}
}

// RetryableFetch reports whether a page fetch with the given kind and status
// may be attempted again.
func RetryableFetch(kind ErrorKind, status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return kind == ErrorKindTimeout || kind == ErrorKindConnectionError
}

// RetryableDownload reports whether a document download may be attempted
// again. Only timeouts and rate limiting qualify.
func RetryableDownload(kind ErrorKind, status int) bool {
	return kind == ErrorKindTimeout || status == http.StatusTooManyRequests
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
