package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Procure.Example.gov/path", "procure.example.gov"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if fetchTotal == nil || fetchBytesTotal == nil || llmCallsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetch(t *testing.T) {
	Init()
	before := testutil.ToFloat64(fetchTotal.WithLabelValues("fetch.example.gov", "geo_blocked"))
	ObserveFetch("https://Fetch.example.gov/bids", "geo_blocked", 0)
	if val := testutil.ToFloat64(fetchTotal.WithLabelValues("fetch.example.gov", "geo_blocked")); val != before+1 {
		t.Errorf("Expected fetch counter to grow by 1, got %f", val-before)
	}

	ObserveFetch("bytes.example.gov", "success", 2048)
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("bytes.example.gov")); val != 2048 {
		t.Errorf("Expected 2048 bytes, got %f", val)
	}
}

func TestObserveLLMCall(t *testing.T) {
	Init()
	ObserveLLMCall("stage-test", "success", 100, 20)
	ObserveLLMCall("stage-test", "error", 0, 0)

	if val := testutil.ToFloat64(llmCallsTotal.WithLabelValues("stage-test", "success")); val != 1 {
		t.Errorf("Expected 1 successful call, got %f", val)
	}
	if val := testutil.ToFloat64(llmTokensTotal.WithLabelValues("stage-test", "input")); val != 100 {
		t.Errorf("Expected 100 input tokens, got %f", val)
	}
	if val := testutil.ToFloat64(llmTokensTotal.WithLabelValues("stage-test", "output")); val != 20 {
		t.Errorf("Expected 20 output tokens, got %f", val)
	}
}

func TestObserveSaveResult(t *testing.T) {
	Init()
	saved := testutil.ToFloat64(opportunitiesTotal.WithLabelValues("saved"))
	dups := testutil.ToFloat64(opportunitiesTotal.WithLabelValues("duplicate"))
	ObserveSaveResult(3, 2, 0)
	if val := testutil.ToFloat64(opportunitiesTotal.WithLabelValues("saved")); val != saved+3 {
		t.Errorf("Expected saved to grow by 3, got %f", val-saved)
	}
	if val := testutil.ToFloat64(opportunitiesTotal.WithLabelValues("duplicate")); val != dups+2 {
		t.Errorf("Expected duplicates to grow by 2, got %f", val-dups)
	}
}

func TestActiveWorkersAndRateLimit(t *testing.T) {
	Init()
	base := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(activeWorkers); val != base+1 {
		t.Errorf("Expected gauge to rise by 1, got %f", val-base)
	}
	DecActiveWorkers()

	ObserveRateLimitDelay("limit.example.gov", 250*time.Millisecond)
	if n := testutil.CollectAndCount(rateLimitDelaysSeconds); n < 1 {
		t.Errorf("Expected rate limit histogram series, got %d", n)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
