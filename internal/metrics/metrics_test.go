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
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"bare domain", "shop.com", "shop.com"},
		{"host with port", "example.com:8080", "example.com"},
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

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if fetchesTotal == nil || queueDepth == nil || circuitState == nil || extractionsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveFetch("https://metrics-test.com/p", "success", 512)
	if val := testutil.ToFloat64(fetchesTotal.WithLabelValues("metrics-test.com", "success")); val != 1 {
		t.Errorf("expected one fetch, got %f", val)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("metrics-test.com")); val != 512 {
		t.Errorf("expected 512 bytes, got %f", val)
	}

	SetCircuitState("metrics-test.com", "open")
	if val := testutil.ToFloat64(circuitState.WithLabelValues("metrics-test.com")); val != 2 {
		t.Errorf("expected open circuit gauge 2, got %f", val)
	}

	SetQueueDepth(7)
	if val := testutil.ToFloat64(queueDepth); val != 7 {
		t.Errorf("expected queue depth 7, got %f", val)
	}

	ObserveExtraction("metrics-regex", true, 0.6)
	if val := testutil.ToFloat64(extractionsTotal.WithLabelValues("metrics-regex", "true")); val != 1 {
		t.Errorf("expected one extraction, got %f", val)
	}

	ObserveRateLimitDelay("metrics-test.com", 200*time.Millisecond)
	if val := testutil.CollectAndCount(rateLimitDelaysSeconds); val <= 0 {
		t.Errorf("expected rate limit delay observation, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://shop.com.br", "ftp://example.com"}
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
