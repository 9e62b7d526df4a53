package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
)

// RecordSink receives every Record produced from a data change.
type RecordSink interface {
	Handle(rec domain.Record) error
}

type sinkRef struct{ sink RecordSink }

type activeSub struct {
	point  string
	remote ports.FieldSubscription
	live   atomic.Bool
}

// SubscriptionSet owns one field subscription per enabled point for the
// current session. Create is all-or-nothing.
type SubscriptionSet struct {
	field           ports.FieldClient
	points          []domain.MonitoredPoint
	sourceID        string
	publishInterval time.Duration
	namespace       uint16
	clock           *domain.IngestClock
	obs             ports.Observability

	sink atomic.Pointer[sinkRef]

	mu       sync.Mutex
	active   []*activeSub
	gen      uint64
	detached []chan struct{} // closed when a background cancellation ends
}

func NewSubscriptionSet(field ports.FieldClient, sourceID string, points []domain.MonitoredPoint, publishInterval time.Duration, namespace uint16, obs ports.Observability) *SubscriptionSet {
	enabled := make([]domain.MonitoredPoint, 0, len(points))
	for _, p := range points {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	return &SubscriptionSet{
		field:           field,
		points:          enabled,
		sourceID:        sourceID,
		publishInterval: publishInterval,
		namespace:       namespace,
		clock:           domain.NewIngestClock(),
		obs:             obs,
	}
}

// SetSink swaps the destination for records produced after the call.
func (s *SubscriptionSet) SetSink(sink RecordSink) {
	if sink == nil {
		s.sink.Store(nil)
		return
	}
	s.sink.Store(&sinkRef{sink: sink})
}

func (s *SubscriptionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Create subscribes every enabled point in configuration order. On any failure
// the subscriptions made so far are cancelled and the set stays empty.
func (s *SubscriptionSet) Create(ctx context.Context) error {
	if err := s.Delete(ctx); err != nil {
		s.obs.LogError("subscriptions_clear_failed", err)
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	built := make([]*activeSub, 0, len(s.points))
	for _, p := range s.points {
		sub := &activeSub{point: p.NodeID}
		sub.live.Store(true)
		remote, err := s.field.Subscribe(ctx, ports.SubscriptionRequest{
			PublishInterval: s.publishInterval,
			Namespace:       s.namespace,
			Point:           p,
		}, func(change ports.DataChange) {
			if sub.live.Load() {
				s.deliver(sub.point, change)
			}
		})
		if err != nil {
			sub.live.Store(false)
			s.cancelAll(ctx, built)
			return fmt.Errorf("subscribe %s: %w", p.NodeID, err)
		}
		sub.remote = remote
		built = append(built, sub)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.cancelAll(ctx, built)
		return fmt.Errorf("session closed during subscribe: %w", domain.ErrConnectionLost)
	}
	s.active = built
	s.mu.Unlock()

	s.obs.SetGauge(ports.GaugeSubscriptions, float64(len(built)))
	s.obs.LogInfo("subscriptions_created", ports.Field{Key: "count", Value: len(built)})
	return nil
}

// Delete cancels every subscription and waits for detached cancellations to
// finish. Safe to call repeatedly.
func (s *SubscriptionSet) Delete(ctx context.Context) error {
	s.mu.Lock()
	taken := s.takeLocked()
	pending := s.detached
	s.detached = nil
	s.mu.Unlock()
	s.retire(taken)

	err := s.cancelAll(ctx, taken)
	for i, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			// Leave the rest for the next Delete.
			s.mu.Lock()
			s.detached = append(s.detached, pending[i:]...)
			s.mu.Unlock()
			return errors.Join(err, fmt.Errorf("detached cancellations: %w", ctx.Err()))
		}
	}
	return err
}

// Detach stops delivery at once and cancels the remote subscriptions in the
// background. Used from session callbacks, which must not block.
func (s *SubscriptionSet) Detach() {
	s.mu.Lock()
	taken := s.takeLocked()
	if len(taken) == 0 {
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	s.detached = append(s.detached, done)
	s.mu.Unlock()
	s.retire(taken)

	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.cancelAll(ctx, taken); err != nil {
			s.obs.LogError("subscriptions_detach_failed", err)
		}
	}()
}

func (s *SubscriptionSet) takeLocked() []*activeSub {
	taken := s.active
	s.active = nil
	s.gen++
	return taken
}

func (s *SubscriptionSet) retire(taken []*activeSub) {
	for _, sub := range taken {
		sub.live.Store(false)
	}
	s.obs.SetGauge(ports.GaugeSubscriptions, 0)
}

func (s *SubscriptionSet) cancelAll(ctx context.Context, subs []*activeSub) error {
	var errs error
	for _, sub := range subs {
		sub.live.Store(false)
		if sub.remote == nil {
			continue
		}
		if err := sub.remote.Cancel(ctx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("cancel %s: %w", sub.point, err))
		}
	}
	return errs
}

func (s *SubscriptionSet) deliver(point string, change ports.DataChange) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic handling data change for %s: %v", point, r)
			s.obs.LogCritical("deliver_panic", err, ports.Field{Key: "point", Value: point})
			if change.Err == nil {
				s.deliver(point, ports.DataChange{Err: err})
			}
		}
	}()

	rec := domain.Record{
		SourceID:   s.sourceID,
		PointID:    point,
		IngestTime: s.clock.Now(),
	}
	if change.Err != nil {
		rec.Quality = domain.QualityBad
		rec.ErrorMessage = change.Err.Error()
		rec.DeviceTime = rec.IngestTime
	} else {
		rec.Value = FormatValue(change.Value)
		rec.Quality = domain.QualityFromStatus(change.Status)
		switch {
		case !change.SourceTime.IsZero():
			rec.DeviceTime = change.SourceTime
		case !change.ServerTime.IsZero():
			rec.DeviceTime = change.ServerTime
		default:
			rec.DeviceTime = rec.IngestTime
		}
	}

	s.obs.IncCounter(ports.MetricRecordsProduced, 1)
	if ref := s.sink.Load(); ref != nil {
		if err := ref.sink.Handle(rec); err != nil {
			s.obs.LogError("record_sink_failed", err, ports.Field{Key: "point", Value: point})
		}
	}
}
