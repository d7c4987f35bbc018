package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks network failures and timeouts that are worth retrying.
	ErrTransient = errors.New("transient external error")
	// ErrSchemaMismatch marks an upstream whose structure no longer matches expectations.
	ErrSchemaMismatch = errors.New("upstream schema mismatch")
	// ErrAuth marks expired or invalid credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrDataIntegrity marks an adapter returning nothing where something was expected.
	ErrDataIntegrity = errors.New("data integrity violation")

	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// SourceError attaches the failing collaborator's name to a taxonomy sentinel.
type SourceError struct {
	Source string
	Kind   error
	Err    error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Source, e.Kind, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Transient(source string, err error) error {
	return &SourceError{Source: source, Kind: ErrTransient, Err: err}
}

func SchemaMismatch(source, detail string) error {
	return &SourceError{Source: source, Kind: ErrSchemaMismatch, Err: errors.New(detail)}
}

func Auth(source string, err error) error {
	return &SourceError{Source: source, Kind: ErrAuth, Err: err}
}

func DataIntegrity(source, detail string) error {
	return &SourceError{Source: source, Kind: ErrDataIntegrity, Err: errors.New(detail)}
}

// Retryable reports whether an error may succeed on a later attempt.
// Schema, auth and integrity failures need a human, not another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrSchemaMismatch),
		errors.Is(err, ErrAuth),
		errors.Is(err, ErrDataIntegrity):
		return false
	default:
		return true
	}
}

// FromHTTPStatus maps an upstream HTTP status onto the taxonomy. 2xx yields nil; other
// client errors mean the endpoint no longer looks the way the adapter expects.
func FromHTTPStatus(source string, code int, status string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 401 || code == 403:
		return Auth(source, fmt.Errorf("upstream returned %s", status))
	case code == 408 || code == 429 || code >= 500:
		return Transient(source, fmt.Errorf("upstream returned %s", status))
	default:
		return SchemaMismatch(source, "upstream returned "+status)
	}
}
