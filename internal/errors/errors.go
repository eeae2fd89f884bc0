// Package errors provides the error taxonomy shared by every component.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrInvalidPrice       = errors.New("invalid price")
	ErrInvalidQuery       = errors.New("invalid query")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrCatalogUnavailable = errors.New("instrument catalog unavailable")
	ErrTimeout            = errors.New("operation timed out")
	ErrSessionUnavailable = errors.New("session unavailable")
	ErrConfigMissing      = errors.New("configuration missing")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrKeyMaterialMissing = errors.New("key material missing")
	ErrAccountNotFound    = errors.New("account not found")
)

// Kind classifies an error into the taxonomy reported to callers.
type Kind string

const (
	KindAuth               Kind = "AUTH"
	KindOrder              Kind = "ORDER"
	KindValidation         Kind = "VALIDATION"
	KindCatalogUnavailable Kind = "CATALOG_UNAVAILABLE"
	KindTimeout            Kind = "TIMEOUT"
	KindRemote             Kind = "REMOTE"
	KindUnknown            Kind = "UNKNOWN"
)

// AuthError represents a failed login or session initialization.
type AuthError struct {
	AccountID string
	Stage     string // login, holdings, positions
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error [%s] %s: %v", e.AccountID, e.Stage, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError creates a new AuthError.
func NewAuthError(accountID, stage string, err error) *AuthError {
	return &AuthError{
		AccountID: accountID,
		Stage:     stage,
		Err:       err,
	}
}

// OrderError represents one failed placement attempt.
type OrderError struct {
	AccountID string
	Symbol    string
	Side      string
	Err       error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order error [%s] %s %s: %v", e.AccountID, e.Side, e.Symbol, e.Err)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(accountID, symbol, side string, err error) *OrderError {
	return &OrderError{
		AccountID: accountID,
		Symbol:    symbol,
		Side:      side,
		Err:       err,
	}
}

// ValidationError represents a caller-input validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new ValidationError classified under sentinel.
func NewValidationError(sentinel error, field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
		Err:     sentinel,
	}
}

// RemoteError represents a failure reported by, or on the way to, the brokerage API.
type RemoteError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote error [%s] %s: %s: %v", e.Op, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("remote error [%s] %s: %s", e.Op, e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// NewRemoteError creates a new RemoteError.
func NewRemoteError(op, code, message string, err error) *RemoteError {
	return &RemoteError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CatalogError represents a failure to obtain the instrument master.
type CatalogError struct {
	Err error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("%v: %v", ErrCatalogUnavailable, e.Err)
}

func (e *CatalogError) Unwrap() []error {
	return []error{ErrCatalogUnavailable, e.Err}
}

// IsTimeout reports whether err is a timeout, either ours or a context deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Timeout wraps err so that it classifies as a timeout when it is a deadline.
func Timeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Classify maps err onto the taxonomy.
func Classify(err error) Kind {
	var (
		authErr  *AuthError
		valErr   *ValidationError
		orderErr *OrderError
		remote   *RemoteError
	)
	switch {
	case err == nil:
		return ""
	case IsTimeout(err):
		return KindTimeout
	case errors.As(err, &valErr):
		return KindValidation
	case errors.Is(err, ErrCatalogUnavailable):
		return KindCatalogUnavailable
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &orderErr):
		return KindOrder
	case errors.As(err, &remote):
		return KindRemote
	}
	return KindUnknown
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
