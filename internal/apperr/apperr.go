// Package apperr defines the error taxonomy and the
// explicit-result idiom the rest of the pipeline pattern-matches on,
// replacing occasional bare fmt.Errorf with a typed kind.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the purposes of retry/recovery decisions.
type Kind string

const (
	TransientNetwork Kind = "transient_network"
	PermanentNetwork Kind = "permanent_network"
	StorageUnavailable Kind = "storage_unavailable"
	Malformed Kind = "malformed"
	InvariantViolated Kind = "invariant_violated"
	ConfigInvalid Kind = "config_invalid"
	UpstreamRateLimit Kind = "upstream_rate_limit"
)

// Error wraps an underlying cause with a Kind so callers can
// pattern-match via Is/As instead of parsing strings.
type Error struct {
	Kind Kind
	Op string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, if any layer of its chain carries one.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retriable reports whether this error kind should be retried locally
// rather than propagated.
func Retriable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == TransientNetwork || kind == UpstreamRateLimit
}
