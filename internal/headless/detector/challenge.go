package detector

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

// Challenge classifies probe responses into breaker failure kinds.
type Challenge struct {
	// Strong markers are trusted even on 200 responses.
	Strong [][]byte
	// Weak markers only count when the status is already an error.
	Weak [][]byte
}

// NewChallenge returns a classifier with the built-in marker lists.
func NewChallenge() *Challenge {
	return &Challenge{Strong: strongMarkers, Weak: weakMarkers}
}

var strongMarkers = [][]byte{
	[]byte("cf-chl"),
	[]byte("/cdn-cgi/challenge-platform"),
	[]byte("px-captcha"),
	[]byte("are you a robot"),
	[]byte("verify you are human"),
	[]byte("não sou um robô"),
	[]byte("nao sou um robo"),
}

var weakMarkers = [][]byte{
	[]byte("captcha"),
	[]byte("just a moment"),
	[]byte("access denied"),
}

// Classify reports why a response is unusable. ok is false for responses
// that should go on to extraction.
func (c *Challenge) Classify(resp crawler.FetchResponse) (crawler.FailureKind, bool) {
	lower := bytes.ToLower(resp.Body)
	for _, m := range c.Strong {
		if bytes.Contains(lower, m) {
			return crawler.FailureCaptcha, true
		}
	}
	status := resp.StatusCode
	if status >= 200 && status < 400 {
		return "", false
	}
	for _, m := range c.Weak {
		if bytes.Contains(lower, m) {
			if bytes.Equal(m, []byte("access denied")) {
				return crawler.FailureBlocked, true
			}
			return crawler.FailureCaptcha, true
		}
	}
	switch {
	case status == http.StatusForbidden, status == http.StatusTooManyRequests,
		status == http.StatusUnavailableForLegalReasons:
		return crawler.FailureBlocked, true
	case status == http.StatusRequestTimeout, status >= 500:
		return crawler.FailureTransient, true
	default:
		return crawler.FailureFatal, true
	}
}
