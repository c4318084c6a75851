package kite

import (
	"fmt"
	"net/http"

	apperrors "exit_engine/pkg/errors"
)

// APIError is the broker's error envelope. ErrorType is the API's
// discriminator string (TokenException, InputException, ...); Unwrap maps
// it onto the shared sentinels so callers classify with errors.Is.
type APIError struct {
	Code      int
	ErrorType string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kite api error (%d %s): %s", e.Code, e.ErrorType, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.ErrorType {
	case "TokenException":
		return apperrors.ErrTokenExpired
	case "PermissionException":
		return apperrors.ErrPermissionDenied
	case "InputException":
		return apperrors.ErrInvalidInput
	case "OrderException":
		return apperrors.ErrOrderRejected
	case "NetworkException":
		return apperrors.ErrNetwork
	case "DataException":
		return apperrors.ErrBadResponse
	}
	if e.Code == http.StatusTooManyRequests {
		return apperrors.ErrRateLimitExceeded
	}
	if e.Code >= 500 {
		return apperrors.ErrNetwork
	}
	return apperrors.ErrBadResponse
}
