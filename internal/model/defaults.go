package model

import "time"

// Shared defaults used by the server binary and its packages.
const (
	DefaultMaxWidth        = 150
	DefaultMaxHeight       = 150
	DefaultMaxRetries      = 5
	DefaultBackoffStep     = 250 * time.Millisecond
	DefaultAttemptTimeout  = 5 * time.Second
	DefaultMaxSockets      = 40
	DefaultFallbackBaseURL = "http://1k.jbosskeynote.com"
)
