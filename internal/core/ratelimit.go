package core

import "time"

// RateLimitState captures the remote error budget as last reported.
type RateLimitState struct {
	ErrorsRemaining int        `json:"errors_remaining"`
	WindowReset     time.Time  `json:"window_reset"`
	BackoffUntil    *time.Time `json:"backoff_until,omitempty"`
	Last429At       *time.Time `json:"last_limited_at,omitempty"`
}
