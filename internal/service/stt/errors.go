package stt

import (
	"context"
	"errors"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, overload,
	// unreachable backends.
	ErrTransient = errors.New("transient transcription failure")
	// ErrPermanent marks failures that will recur on retry, such as
	// unreadable or unsupported audio.
	ErrPermanent = errors.New("permanent transcription failure")
)

type classified struct {
	class error
	err   error
}

func (e *classified) Error() string   { return e.err.Error() }
func (e *classified) Unwrap() []error { return []error{e.err, e.class} }

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrTransient, err: err}
}

// Permanent wraps err so IsPermanent reports true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrPermanent, err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// IsTransient reports whether err should be retried. Deadline errors and
// unclassified errors count as transient; the caller's attempt budget bounds
// them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !IsPermanent(err)
}

// Classify returns "permanent" or "transient" for metrics labels.
func Classify(err error) string {
	if IsPermanent(err) {
		return "permanent"
	}
	return "transient"
}
