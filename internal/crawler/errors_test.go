package crawler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		status  int
		message string
		want    ErrorKind
	}{
		{"forbidden is geo blocked", 403, "", ErrorKindGeoBlocked},
		{"legal reasons is geo blocked", 451, "", ErrorKindGeoBlocked},
		{"too many requests is bot", 429, "", ErrorKindBotDetected},
		{"unavailable is bot", 503, "", ErrorKindBotDetected},
		{"not found is http error", 404, "", ErrorKindHTTPError},
		{"bad gateway is http error", 502, "", ErrorKindHTTPError},
		{"navigation timeout", 0, "Navigation Timeout Exceeded: 30000ms", ErrorKindTimeout},
		{"context deadline", 0, "chromedp run: context deadline exceeded", ErrorKindTimeout},
		{"dns failure", 0, "page load error net::ERR_NAME_NOT_RESOLVED", ErrorKindDNSError},
		{"connection reset", 0, "page load error net::ERR_CONNECTION_RESET", ErrorKindConnectionError},
		{"connection refused", 0, "dial tcp 10.0.0.1:443: connect: connection refused", ErrorKindConnectionError},
		{"certificate", 0, "net::ERR_CERT_AUTHORITY_INVALID certificate invalid", ErrorKindSSLError},
		{"captcha", 0, "captcha challenge presented", ErrorKindBotDetected},
		{"empty", 0, "", ErrorKindUnknown},
		{"other", 0, "something odd", ErrorKindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			kind, msg := ClassifyError(tc.status, tc.message)
			require.Equal(t, tc.want, kind)
			require.NotEmpty(t, msg)
		})
	}
}

func TestClassifyErrorGeoMessageMentionsStatus(t *testing.T) {
	t.Parallel()

	_, msg := ClassifyError(451, "")
	require.Contains(t, msg, "HTTP 451")
	require.Contains(t, msg, "geo-restricted")
}

func TestRetryableFetch(t *testing.T) {
	t.Parallel()

	require.True(t, RetryableFetch(ErrorKindTimeout, 0))
	require.True(t, RetryableFetch(ErrorKindConnectionError, 0))
	require.True(t, RetryableFetch(ErrorKindBotDetected, 429))
	require.True(t, RetryableFetch(ErrorKindHTTPError, 502))
	require.True(t, RetryableFetch(ErrorKindBotDetected, 503))
	require.True(t, RetryableFetch(ErrorKindHTTPError, 504))

	require.False(t, RetryableFetch(ErrorKindGeoBlocked, 403))
	require.False(t, RetryableFetch(ErrorKindGeoBlocked, 451))
	require.False(t, RetryableFetch(ErrorKindDNSError, 0))
	require.False(t, RetryableFetch(ErrorKindSSLError, 0))
	require.False(t, RetryableFetch(ErrorKindBotDetected, 200))
	require.False(t, RetryableFetch(ErrorKindHTTPError, 404))
}

func TestRetryableDownload(t *testing.T) {
	t.Parallel()

	require.True(t, RetryableDownload(ErrorKindTimeout, 0))
	require.True(t, RetryableDownload(ErrorKindBotDetected, 429))
	require.False(t, RetryableDownload(ErrorKindConnectionError, 0))
	require.False(t, RetryableDownload(ErrorKindBotDetected, 503))
	require.False(t, RetryableDownload(ErrorKindGeoBlocked, 403))
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, ErrorKindSuccess, KindOf(nil))
	wrapped := fmt.Errorf("download: %w", &FetchError{Kind: ErrorKindGeoBlocked, StatusCode: 403, Message: "blocked"})
	require.Equal(t, ErrorKindGeoBlocked, KindOf(wrapped))
	require.Equal(t, ErrorKindUnknown, KindOf(fmt.Errorf("plain")))
}
