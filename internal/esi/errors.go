package esi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/esisync/esisync/internal/core"
)

// StatusErrorLimited is the remote's status for an exhausted error budget.
const StatusErrorLimited = 420

type errorBody struct {
	Error string `json:"error"`
}

// classify maps a non-2xx response onto the error taxonomy.
func classify(status int, header http.Header, body []byte, now time.Time) *core.RemoteError {
	message := strings.TrimSpace(string(body))
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		message = parsed.Error
	}
	if message == "" {
		message = http.StatusText(status)
	}

	remote := &core.RemoteError{StatusCode: status, Message: message}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		remote.Kind = core.KindAuthorizationDenied
	case status == http.StatusNotFound || status == http.StatusGone:
		remote.Kind = core.KindNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		// Permanently invalid for this session; retrying cannot succeed.
		remote.Kind = core.KindNotFound
	case status == StatusErrorLimited || status == http.StatusTooManyRequests:
		remote.Kind = core.KindRateLimited
		remote.RetryAfter = retryAfter(header, now)
	default:
		remote.Kind = core.KindTransient
	}
	return remote
}

// retryAfter reads Retry-After as seconds or an HTTP date, falling back to
// the error-limit reset header.
func retryAfter(header http.Header, now time.Time) time.Duration {
	raw := strings.TrimSpace(header.Get(headerRetryAfter))
	if raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(raw); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if seconds, err := strconv.Atoi(header.Get(headerErrorReset)); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
