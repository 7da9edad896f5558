package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation and ErrConflict classify a *FormError.
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("already exists")

	ErrAuthFailure        = errors.New("authentication failed")
	ErrUserNotFound       = fmt.Errorf("%w: user not found", ErrAuthFailure)
	ErrPasswordIncorrect  = fmt.Errorf("%w: password incorrect", ErrAuthFailure)
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrAuthFailure)

	ErrResetTokenInvalid = errors.New("reset link is invalid or expired")

	// ErrStoreUnavailable marks store calls that hit their deadline. Callers
	// may retry.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	ErrDuplicateEmail    = fmt.Errorf("%w: email", ErrConflict)
	ErrDuplicateUsername = fmt.Errorf("%w: username", ErrConflict)
	ErrDuplicateIdentity = fmt.Errorf("%w: username or email", ErrConflict)
)

// FormError carries the user-facing problems of a rejected form submission.
type FormError struct {
	Kind     error
	Messages []string
}

func (e *FormError) Error() string {
	return e.Kind.Error() + ": " + strings.Join(e.Messages, "; ")
}

func (e *FormError) Unwrap() error {
	return e.Kind
}

func invalid(messages ...string) *FormError {
	return &FormError{Kind: ErrValidation, Messages: messages}
}

func conflict(messages ...string) *FormError {
	return &FormError{Kind: ErrConflict, Messages: messages}
}

// AsFormError returns the form problems carried by err, if any.
func AsFormError(err error) (*FormError, bool) {
	var fe *FormError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateEmail):
		return "Email already exists"
	case errors.Is(err, ErrDuplicateUsername):
		return "Username already exists"
	default:
		return "Username or email already exists"
	}
}
