package domain

import (
	"context"
	"errors"
)

// ErrorClass tells a loop how to react to a failure.
type ErrorClass int

const (
	// ErrorTransient covers unreachable endpoints, brokers and stores. The owning
	// loop retries on its backoff.
	ErrorTransient ErrorClass = iota
	// ErrorProtocol covers malformed payloads and unsupported values. The record
	// is dropped or replaced by a placeholder.
	ErrorProtocol
	// ErrorConfiguration is only fatal at startup, for the affected subsystem.
	ErrorConfiguration
	// ErrorInternal is anything else caught at a loop boundary.
	ErrorInternal
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorProtocol:
		return "protocol"
	case ErrorConfiguration:
		return "configuration"
	case ErrorInternal:
		return "internal"
	default:
		return "unknown"
	}
}

var (
	ErrConnectionLost   = errors.New("connection lost")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrStoreTimeout     = errors.New("store timeout")
	ErrStoreRejected    = errors.New("store rejected operation")
	ErrNotFound         = errors.New("not found")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidRecord    = errors.New("record carries an error and is not a measurement")
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrQueueFull        = errors.New("queue full")
	ErrNotRunning       = errors.New("not running")
)

// Classify maps err onto the taxonomy above. Unknown errors are internal.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorInternal
	case errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrStoreTimeout),
		errors.Is(err, ErrNotRunning),
		errors.Is(err, ErrQueueFull),
		errors.Is(err, context.DeadlineExceeded):
		return ErrorTransient
	case errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrInvalidRecord):
		return ErrorProtocol
	case errors.Is(err, ErrMissingConfig):
		return ErrorConfiguration
	default:
		return ErrorInternal
	}
}
