package server

import (
	"context"

	"github.com/relves/groupchain/internal/ratelimit"
	"github.com/relves/groupchain/pkg/p2p"
)

// RequestValidator validates incoming calls before they are dispatched.
// Implementations can check rate limits, bans, maintenance windows, etc.
type RequestValidator interface {
	// ValidateRequest is called before each call with the caller's signing
	// key. Return nil to allow the call, or an error to reject it. A
	// *ValidationError is returned to the client as is; any other error is
	// reported as rate_limited.
	ValidateRequest(ctx context.Context, peer, method string) error
}

// ValidationError represents a validation failure with structured info.
type ValidationError struct {
	Code    string // Wire error code (e.g., "rate_limited")
	Message string // Human-readable message
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new validation error.
func NewValidationError(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

// RateValidator limits each peer key to a token bucket.
type RateValidator struct {
	limiter *ratelimit.Limiter
}

// NewRateValidator creates a validator backed by l.
func NewRateValidator(l *ratelimit.Limiter) *RateValidator {
	return &RateValidator{limiter: l}
}

func (v *RateValidator) ValidateRequest(_ context.Context, peer, _ string) error {
	if !v.limiter.Allow(peer) {
		return NewValidationError(p2p.CodeRateLimited, "request rate exceeded")
	}
	return nil
}
