package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ghalamif/fieldlink/internal/ports"
	kafkago "github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers   []string
	ClientID  string
	Acks      string // "all", "1", "0"
	Retries   int
	BatchSize int
	Linger    time.Duration
}

func (c *ProducerConfig) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "fieldlink-collector"
	}
	if c.Acks == "" {
		c.Acks = "all"
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Linger <= 0 {
		c.Linger = 5 * time.Millisecond
	}
}

func parseAcks(acks string) kafkago.RequiredAcks {
	switch strings.ToLower(strings.TrimSpace(acks)) {
	case "0", "none":
		return kafkago.RequireNone
	case "1", "one", "leader":
		return kafkago.RequireOne
	default:
		return kafkago.RequireAll
	}
}

// messageWriter is the part of *kafkago.Writer the producer drives.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Producer publishes asynchronously. The writer's completion callback acts as
// the delivery report and settles the pending count that Flush waits on.
type Producer struct {
	w   messageWriter
	obs ports.Observability

	mu      sync.Mutex
	pending int
	idle    chan struct{} // closed while pending == 0
}

func NewProducer(cfg ProducerConfig, obs ports.Observability) (*Producer, error) {
	cfg.ApplyDefaults()
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer: no brokers configured")
	}
	p := newProducer(nil, obs)
	p.w = &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Balancer:     &kafkago.RoundRobin{},
		RequiredAcks: parseAcks(cfg.Acks),
		MaxAttempts:  cfg.Retries,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.Linger,
		Async:        true,
		Completion:   p.complete,
		Transport:    &kafkago.Transport{ClientID: cfg.ClientID},
	}
	return p, nil
}

func newProducer(w messageWriter, obs ports.Observability) *Producer {
	idle := make(chan struct{})
	close(idle)
	return &Producer{w: w, obs: obs, idle: idle}
}

func (p *Producer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	p.track(1)
	err := p.w.WriteMessages(ctx, kafkago.Message{Topic: topic, Key: key, Value: payload})
	if err != nil {
		p.settle(1)
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *Producer) complete(msgs []kafkago.Message, err error) {
	if err != nil && p.obs != nil {
		p.obs.IncCounter(ports.MetricPublishFailures, float64(len(msgs)))
		p.obs.LogError("kafka_delivery_failed", err, ports.Field{Key: "messages", Value: len(msgs)})
	}
	p.settle(len(msgs))
}

func (p *Producer) track(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == 0 {
		p.idle = make(chan struct{})
	}
	p.pending += n
	p.report()
}

func (p *Producer) settle(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == 0 {
		return
	}
	p.pending -= n
	if p.pending <= 0 {
		p.pending = 0
		close(p.idle)
	}
	p.report()
}

func (p *Producer) report() {
	if p.obs != nil {
		p.obs.SetGauge(ports.GaugeProducerPending, float64(p.pending))
	}
}

func (p *Producer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Flush blocks until every accepted message has a delivery report or ctx is
// done.
func (p *Producer) Flush(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kafka flush: %d still pending: %w", p.Pending(), ctx.Err())
	}
}

func (p *Producer) Close() error {
	return p.w.Close()
}

var _ ports.Producer = (*Producer)(nil)
