package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeSSH  CheckType = "ssh"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration

	// StatusCode is the HTTP status code for HTTP checks, zero when the
	// request never produced a response (transport failure) or for
	// non-HTTP checkers. Callers use it to tell an unreachable endpoint
	// apart from one that answered with an error.
	StatusCode int
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}
