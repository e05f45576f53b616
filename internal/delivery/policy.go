package delivery

import (
	"net/http"
	"time"

	"github.com/tinytelemetry/thousand/internal/model"
)

const defaultMaxResponseBytes = 1 << 20

// Policy configures retry, timeout and pooling behaviour.
type Policy struct {
	// MaxRetries is the failure count at which delivery falls back.
	// Default: 5
	MaxRetries int

	// BackoffStep is multiplied by the current failure count to get the
	// wait before the next attempt.
	// Default: 250ms
	BackoffStep time.Duration

	// AttemptTimeout bounds each POST.
	// Default: 5s
	AttemptTimeout time.Duration

	// MaxSockets caps concurrent POSTs across all deliveries. Callers
	// beyond the cap wait for a slot.
	// Default: 40
	MaxSockets int

	// FallbackBaseURL is prefixed to an artifact's UI path when delivery
	// gives up.
	FallbackBaseURL string

	// MaxResponseBytes limits how much of a pod response body is kept.
	MaxResponseBytes int64
}

// DefaultPolicy returns the production delivery policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:       model.DefaultMaxRetries,
		BackoffStep:      model.DefaultBackoffStep,
		AttemptTimeout:   model.DefaultAttemptTimeout,
		MaxSockets:       model.DefaultMaxSockets,
		FallbackBaseURL:  model.DefaultFallbackBaseURL,
		MaxResponseBytes: defaultMaxResponseBytes,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.BackoffStep <= 0 {
		p.BackoffStep = def.BackoffStep
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	if p.MaxSockets <= 0 {
		p.MaxSockets = def.MaxSockets
	}
	if p.FallbackBaseURL == "" {
		p.FallbackBaseURL = def.FallbackBaseURL
	}
	if p.MaxResponseBytes <= 0 {
		p.MaxResponseBytes = def.MaxResponseBytes
	}
	return p
}

// Backoff returns the wait after the given number of consecutive failures.
func (p Policy) Backoff(failures int) time.Duration {
	return time.Duration(failures) * p.BackoffStep
}

// NewTransport returns a keep-alive transport whose per-host connection
// count is capped at maxSockets.
func NewTransport(maxSockets int) *http.Transport {
	if maxSockets <= 0 {
		maxSockets = model.DefaultMaxSockets
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DisableKeepAlives = false
	t.MaxConnsPerHost = maxSockets
	t.MaxIdleConnsPerHost = maxSockets
	t.MaxIdleConns = maxSockets * 4
	return t
}
