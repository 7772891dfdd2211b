// Package errdefs holds the error taxonomy shared by every layer of the client.
//
// Callers match with errors.Is against the sentinels below. Transport-class errors
// are absorbed by the session's reconnect loop and only surface as status changes;
// everything else is returned to the caller that violated the precondition.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Class groups errors by how they should be handled.
type Class int

const (
	// Transient errors may succeed on retry.
	Transient Class = iota
	// Invalid errors come from caller logic or state and are never retried.
	Invalid
	// Fatal errors mean the registry rejected this client.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Invalid:
		return "invalid"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// State preconditions
	ErrInvalidState       = errors.New("s2s: operation not legal in current state")
	ErrAlreadyInitialized = fmt.Errorf("%w: already initialized", ErrInvalidState)
	ErrNotBound           = errors.New("s2s: session has never been bound")

	// Identity
	ErrInvalidCredential   = errors.New("s2s: registry rejected name or key")
	ErrAuthFailure         = ErrInvalidCredential
	ErrIncompatibleVersion = errors.New("s2s: incompatible protocol version")

	// Network
	ErrTransport   = errors.New("s2s: transport failure")
	ErrDNS         = fmt.Errorf("%w: registry endpoint resolution failed", ErrTransport)
	ErrTimeout     = errors.New("s2s: timeout")
	ErrRateLimited = errors.New("s2s: rate limited")

	// Codec
	ErrNotFound     = errors.New("s2s: not found")
	ErrDuplicateKey = errors.New("s2s: duplicate key")
	ErrTypeMismatch = errors.New("s2s: type mismatch")
	ErrDecode       = errors.New("s2s: malformed buffer")
)

// DecodeError reports a short or malformed buffer. It wraps ErrDecode.
type DecodeError struct {
	Op     string // what was being read, e.g. "uint32" or "string body"
	Need   int    // bytes required
	Have   int    // bytes remaining
	Reason string // optional detail when the failure is not a shortfall
}

func (e *DecodeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("s2s: decode %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("s2s: decode %s: need %d bytes, have %d", e.Op, e.Need, e.Have)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// Classify maps an error onto a handling class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Invalid
	case errors.Is(err, ErrInvalidCredential), errors.Is(err, ErrIncompatibleVersion):
		return Fatal
	case errors.Is(err, ErrTransport), errors.Is(err, ErrTimeout), errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return Transient
	default:
		return Invalid
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == Transient
}

// Transport wraps a low level network error so that errors.Is(err, ErrTransport) holds
// while the original cause stays reachable.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// Timeout turns context deadline errors into ErrTimeout and leaves others alone.
func Timeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
