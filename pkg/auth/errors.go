package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingToken is returned when a bearer strategy has neither a token
	// nor a token function.
	ErrMissingToken = errors.New("either token or token getter must be provided")

	// ErrRepeatedUnauthorized is returned when a request is still rejected
	// with 401 after one refresh-and-retry.
	ErrRepeatedUnauthorized = errors.New("unauthorized after token refresh")
)

// RefreshError reports a failed token exchange.
type RefreshError struct {
	TokenURL string
	Err      error
}

// Error implements the error interface.
func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh against %s failed: %v", e.TokenURL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RefreshError) Unwrap() error {
	return e.Err
}
