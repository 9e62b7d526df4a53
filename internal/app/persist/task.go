package persist

import (
	"context"
	"errors"
	"time"

	"github.com/ghalamif/fieldlink/internal/domain"
)

// StoreResult is the outcome code of one persistence task.
type StoreResult int

const (
	Success StoreResult = iota
	// ConnectionError means the backend is unreachable or the worker is not
	// running. Callers may resubmit.
	ConnectionError
	Timeout
	KeyNotFound
	InvalidData
	QueueFull
	// UnknownError means the backend rejected the operation. It is not
	// retried automatically.
	UnknownError
)

func (r StoreResult) String() string {
	switch r {
	case Success:
		return "Success"
	case ConnectionError:
		return "ConnectionError"
	case Timeout:
		return "Timeout"
	case KeyNotFound:
		return "KeyNotFound"
	case InvalidData:
		return "InvalidData"
	case QueueFull:
		return "QueueFull"
	case UnknownError:
		return "UnknownError"
	default:
		return "Unknown"
	}
}

// Result is delivered exactly once per task on its Done channel.
type Result struct {
	Code   StoreResult
	Stored int
	Err    error
}

func (r Result) OK() bool { return r.Code == Success }

type TaskKind int

const (
	StoreOne TaskKind = iota
	StoreMany
	Cleanup
)

func (k TaskKind) String() string {
	switch k {
	case StoreOne:
		return "StoreOne"
	case StoreMany:
		return "StoreMany"
	case Cleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// Task is one unit of work for the worker. Done should be buffered or
// drained by another goroutine; the worker blocks until an accepted task's
// result is received. Rejected tasks never block the caller of Submit.
type Task struct {
	Kind    TaskKind
	Record  domain.Record   // StoreOne
	Records []domain.Record // StoreMany
	MaxAge  time.Duration   // Cleanup
	Done    chan<- Result
}

func codeFor(err error) StoreResult {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, domain.ErrInvalidRecord):
		return InvalidData
	case errors.Is(err, domain.ErrQueueFull):
		return QueueFull
	case errors.Is(err, domain.ErrNotFound):
		return KeyNotFound
	case errors.Is(err, domain.ErrStoreTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, domain.ErrConnectionLost),
		errors.Is(err, domain.ErrNotRunning):
		return ConnectionError
	default:
		return UnknownError
	}
}
