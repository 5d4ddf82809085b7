package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntityID identifies a tracked character.
type EntityID int64

// String returns the decimal form of the id.
func (id EntityID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseEntityID parses a positive decimal entity id.
func ParseEntityID(raw string) (EntityID, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, fmt.Errorf("entity id %d is not positive", value)
	}
	return EntityID(value), nil
}

// Endpoint identifies one category of remote data for an entity.
type Endpoint string

// Status is the polling state of a single monitor.
type Status int

const (
	StatusIdle        Status = 0
	StatusPending     Status = 1
	StatusQuerying    Status = 2
	StatusCompleted   Status = 3
	StatusError       Status = 4
	StatusRateLimited Status = 5
)

var statusNames = map[Status]string{
	StatusIdle:        "idle",
	StatusPending:     "pending",
	StatusQuerying:    "querying",
	StatusCompleted:   "completed",
	StatusError:       "error",
	StatusRateLimited: "rate_limited",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus maps a status name back to its value. Unknown names are Idle.
func ParseStatus(name string) Status {
	for status, candidate := range statusNames {
		if candidate == name {
			return status
		}
	}
	return StatusIdle
}

// Resting reports whether a monitor in this status may be picked up again.
// Completed, Error and RateLimited record the last outcome but behave as Idle.
func (s Status) Resting() bool {
	switch s {
	case StatusIdle, StatusCompleted, StatusError, StatusRateLimited:
		return true
	default:
		return false
	}
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	*s = ParseStatus(string(text))
	return nil
}

// Credentials are the opaque values needed to issue a request for an entity.
type Credentials struct {
	Entity      EntityID
	AccessToken string
	ExpiresAt   time.Time
}

// Result is the raw outcome of a successful remote call.
type Result struct {
	Body       []byte
	StatusCode int
	ExpiresAt  time.Time
	Pages      int
}

// Executor performs a remote call for an endpoint.
type Executor interface {
	Execute(ctx context.Context, endpoint Endpoint, creds Credentials) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, endpoint Endpoint, creds Credentials) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, endpoint Endpoint, creds Credentials) (*Result, error) {
	return f(ctx, endpoint, creds)
}

// CredentialProvider returns valid credentials for an entity, or an error
// when the entity must re-authenticate.
type CredentialProvider interface {
	Credentials(ctx context.Context, entity EntityID) (Credentials, error)
}

// MonitorState is the persisted staleness metadata of one monitor.
type MonitorState struct {
	Entity         EntityID  `json:"entity_id"`
	Endpoint       Endpoint  `json:"endpoint"`
	LastUpdateTime time.Time `json:"last_update_time"`
	Status         Status    `json:"status"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
