package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
)

type ProducerStats struct {
	Published uint64
	Failed    uint64
}

// Producer serialises records and hands them, keyless, to the broker client.
type Producer struct {
	client ports.Producer
	topic  string
	obs    ports.Observability

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewProducer(client ports.Producer, topic string, obs ports.Observability) (*Producer, error) {
	if topic == "" {
		return nil, fmt.Errorf("stream topic: %w", domain.ErrMissingConfig)
	}
	return &Producer{client: client, topic: topic, obs: obs}, nil
}

func (p *Producer) Topic() string { return p.topic }

// Publish reports whether the broker client accepted the record. Delivery is
// confirmed later through Flush.
func (p *Producer) Publish(ctx context.Context, rec domain.Record) bool {
	payload, err := domain.EncodeRecord(rec)
	if err != nil {
		p.failed.Add(1)
		p.obs.RecordDrop("encode", err, ports.Field{Key: "point", Value: rec.PointID})
		return false
	}
	if err := p.client.Publish(ctx, p.topic, nil, payload); err != nil {
		p.failed.Add(1)
		p.obs.IncCounter(ports.MetricPublishFailures, 1)
		p.obs.LogError("publish_failed", err, ports.Field{Key: "point", Value: rec.PointID})
		return false
	}
	p.published.Add(1)
	p.obs.IncCounter(ports.MetricRecordsPublished, 1)
	return true
}

// PublishBatch publishes each record independently and returns how many were
// accepted.
func (p *Producer) PublishBatch(ctx context.Context, recs []domain.Record) int {
	ok := 0
	for _, rec := range recs {
		if p.Publish(ctx, rec) {
			ok++
		}
	}
	return ok
}

// Flush waits up to timeout for every accepted record to be acknowledged.
func (p *Producer) Flush(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.obs.LogError("flush_incomplete", err, ports.Field{Key: "topic", Value: p.topic})
		return false
	}
	return true
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Published: p.published.Load(), Failed: p.failed.Load()}
}

func (p *Producer) Close() error {
	return p.client.Close()
}
