package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrFlowTimeout means the sign-in flow expired before a token arrived.
	ErrFlowTimeout = errors.New("auth: sign-in flow timed out")
	// ErrUserCancelled means the user cancelled sign-in at the identity provider.
	ErrUserCancelled = errors.New("auth: sign-in cancelled by user")
	// ErrInvalidSignIn means the retry budget of the flow is exhausted.
	ErrInvalidSignIn = errors.New("auth: invalid sign-in, retries exhausted")
	// ErrHandlerNotFound means no sign-in handler is registered under a name.
	ErrHandlerNotFound = errors.New("auth: sign-in handler not found")
	// ErrInvalidConfig reports a missing or inconsistent constructor argument.
	ErrInvalidConfig = errors.New("auth: invalid configuration")
)

// SignInFailureError carries the failure reported by the channel in a
// signin/failure invoke.
type SignInFailureError struct {
	Code    string
	Message string
}

func (e *SignInFailureError) Error() string {
	return fmt.Sprintf("auth: sign-in failed: %s: %s", e.Code, e.Message)
}

// IsFatal reports whether err ends the sign-in flow.
func IsFatal(err error) bool {
	var sf *SignInFailureError
	return errors.Is(err, ErrFlowTimeout) ||
		errors.Is(err, ErrUserCancelled) ||
		errors.Is(err, ErrInvalidSignIn) ||
		errors.As(err, &sf)
}
