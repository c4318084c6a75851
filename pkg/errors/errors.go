package apperrors

import (
	"context"
	"errors"
	"net"
)

// Standardized broker/engine errors
var (
	ErrNetwork              = errors.New("network error")
	ErrTokenExpired         = errors.New("access token expired or invalid")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrOrderRejected        = errors.New("order rejected")
	ErrOrderNotFound        = errors.New("order not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrBadResponse          = errors.New("bad response from broker")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNotConfigured        = errors.New("broker not configured")
	ErrNotConnected         = errors.New("not connected")
)

// IsTransient reports whether err is worth retrying: network faults,
// timeouts, rate limiting and 5xx-class broker responses. Auth, input
// and rejection errors are permanent; context cancellation is not an
// error condition at all.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrBadResponse) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsAuth reports whether err means the broker session is no longer valid
// and the cached client must be invalidated.
func IsAuth(err error) bool {
	return errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrAuthenticationFailed)
}
