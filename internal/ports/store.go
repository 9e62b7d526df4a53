package ports

import (
	"context"
	"time"

	"github.com/ghalamif/fieldlink/internal/domain"
)

// RecordStore keeps the latest value per (source, point). Errors wrap
// domain.ErrStoreUnavailable, domain.ErrStoreTimeout, domain.ErrStoreRejected
// or domain.ErrNotFound.
type RecordStore interface {
	Open(ctx context.Context) error
	Close() error
	Put(ctx context.Context, rec domain.Record, ttl time.Duration) error
	Get(ctx context.Context, sourceID, pointID string) (domain.Record, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
