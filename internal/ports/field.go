package ports

import (
	"context"
	"time"

	"github.com/ghalamif/fieldlink/internal/domain"
)

// SessionCallbacks are invoked by a FieldClient on whatever goroutine it uses
// to track its session. Implementations must not block.
type SessionCallbacks struct {
	OnActivated func()
	OnClosed    func()
}

// DataChange is one raw notification for a monitored point.
type DataChange struct {
	Value      any
	Status     uint32
	SourceTime time.Time
	ServerTime time.Time
	Err        error
}

// SubscriptionRequest describes one subscription with a single monitored item.
type SubscriptionRequest struct {
	PublishInterval time.Duration
	Namespace       uint16
	Point           domain.MonitoredPoint
}

type FieldSubscription interface {
	Cancel(ctx context.Context) error
}

// FieldClient is the field protocol stack as seen by the connection state
// machine.
type FieldClient interface {
	SetSessionCallbacks(cb SessionCallbacks)
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// RunIterate processes pending connection events for at most timeout and
	// returns an error when the connection is no longer usable.
	RunIterate(ctx context.Context, timeout time.Duration) error
	Subscribe(ctx context.Context, req SubscriptionRequest, onChange func(DataChange)) (FieldSubscription, error)
}
