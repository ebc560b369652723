// Package apperr defines the error taxonomy shared by the normalizer, the LLM
// providers, the batch engine and the tool dispatch layer.
//
// Every error that crosses a component boundary carries a [Kind]. The batch
// engine uses the kind to decide whether an item is retried, and the tool
// bindings surface it to callers verbatim.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.
type Kind string

const (
	// UnsupportedFormat means an input file could not be read or is of a type
	// the normalizer does not handle.
	UnsupportedFormat Kind = "UnsupportedFormat"

	// ConversionFailed means the external Office→PDF converter failed.
	ConversionFailed Kind = "ConversionFailed"

	// InvalidContent means the provider rejected the request payload.
	InvalidContent Kind = "InvalidContent"

	// RateLimited means the provider signalled throttling.
	RateLimited Kind = "RateLimited"

	// ProviderUnavailable covers transport, auth and timeout failures.
	ProviderUnavailable Kind = "ProviderUnavailable"

	// UnknownTool means a tool name is not present in the registry.
	UnknownTool Kind = "UnknownTool"

	// ConfigurationError is fatal and raised before any work starts.
	ConfigurationError Kind = "ConfigurationError"

	// Canceled marks batch items that were never started because the batch
	// context was cancelled.
	Canceled Kind = "Canceled"
)

// IsTransient reports whether failures of kind k may succeed on retry.
func (k Kind) IsTransient() bool {
	return k == RateLimited || k == ProviderUnavailable
}

// Error is a classified error.
type Error struct {
	Kind Kind

	// Op names the operation that failed (e.g. "normalize", "openai: chat completion").
	Op string

	// Err is the underlying cause. May be nil.
	Err error

	// RetryAfter is a provider hint for how long to wait before retrying.
	// Zero when the provider gave no hint.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// New returns an [*Error] of kind k with a formatted message as its cause.
func New(k Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err as kind k. A nil err yields nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf returns the kind of err. Errors without an explicit kind are
// classified from the context package sentinels; anything else is treated as
// terminal [InvalidContent]. A nil error has an empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ProviderUnavailable
	case errors.Is(err, context.Canceled):
		return Canceled
	}
	return InvalidContent
}

// Is reports whether err is classified as kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// RetryAfterOf returns the retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Message returns the human-readable part of err without the kind prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch {
		case e.Op != "" && e.Err != nil:
			return e.Op + ": " + e.Err.Error()
		case e.Err != nil:
			return e.Err.Error()
		default:
			return e.Op
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
