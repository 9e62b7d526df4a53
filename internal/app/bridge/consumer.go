package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
)

// Message is a decoded record with its stream provenance.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Record    domain.Record
}

type MessageHandler interface {
	Handle(msg Message) error
}

type HandlerFunc func(Message) error

func (f HandlerFunc) Handle(msg Message) error { return f(msg) }

type handlerRef struct{ h MessageHandler }

type ConsumerStats struct {
	Consumed      uint64
	Malformed     uint64
	HandlerErrors uint64
	PollErrors    uint64
}

type ConsumerOption func(*Consumer)

func WithPollTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.pollTimeout = d }
}

func WithErrorBackoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.errBackoff = d }
}

// Consumer pulls records on its own goroutine and forwards them to the
// registered handler. Offsets are committed after the handler returns.
type Consumer struct {
	client      ports.Consumer
	topics      []string
	obs         ports.Observability
	pollTimeout time.Duration
	errBackoff  time.Duration

	handler atomic.Pointer[handlerRef]

	lifecycle  sync.Mutex
	subscribed bool
	stopped    bool
	running    atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}

	consumed      atomic.Uint64
	malformed     atomic.Uint64
	handlerErrors atomic.Uint64
	pollErrors    atomic.Uint64
}

func NewConsumer(client ports.Consumer, topics []string, obs ports.Observability, opts ...ConsumerOption) (*Consumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("stream topics: %w", domain.ErrMissingConfig)
	}
	c := &Consumer{
		client:      client,
		topics:      topics,
		obs:         obs,
		pollTimeout: time.Second,
		errBackoff:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetHandler swaps the handler for messages polled after the call.
func (c *Consumer) SetHandler(h MessageHandler) {
	if h == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&handlerRef{h: h})
}

func (c *Consumer) Start() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.running.Load() {
		return nil
	}
	if !c.subscribed {
		if err := c.client.Subscribe(c.topics); err != nil {
			return fmt.Errorf("subscribe %v: %w", c.topics, err)
		}
		c.subscribed = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.stopped = false
	c.running.Store(true)
	go c.run(ctx)

	c.obs.LogInfo("consumer_started", ports.Field{Key: "topics", Value: c.topics})
	return nil
}

// Stop ends the poll loop within one poll timeout and closes the client.
func (c *Consumer) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.running.Load() {
		return nil
	}
	c.cancel()
	<-c.done
	c.running.Store(false)
	c.stopped = true
	c.subscribed = false
	return c.client.Close()
}

func (c *Consumer) Status() string {
	switch {
	case c.running.Load():
		return "Running"
	case c.isStopped():
		return "Stopped"
	default:
		return "Not initialized"
	}
}

func (c *Consumer) isStopped() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.stopped
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed:      c.consumed.Load(),
		Malformed:     c.malformed.Load(),
		HandlerErrors: c.handlerErrors.Load(),
		PollErrors:    c.pollErrors.Load(),
	}
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	for ctx.Err() == nil {
		c.pollOnce(ctx)
	}
}

func (c *Consumer) pollOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.obs.LogCritical("consumer_panic", fmt.Errorf("%v", r))
		}
	}()

	msg, err := c.client.Poll(ctx, c.pollTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.pollErrors.Add(1)
		c.obs.LogError("poll_failed", err)
		sleep(ctx, c.errBackoff)
		return
	}
	if msg == nil {
		return
	}

	provenance := []ports.Field{
		{Key: "topic", Value: msg.Topic},
		{Key: "partition", Value: msg.Partition},
		{Key: "offset", Value: msg.Offset},
	}

	rec, err := domain.DecodeRecord(msg.Payload)
	if err != nil {
		c.malformed.Add(1)
		c.obs.IncCounter(ports.MetricMalformedPayloads, 1)
		c.obs.RecordDrop("decode", err, provenance...)
	} else {
		c.consumed.Add(1)
		c.obs.IncCounter(ports.MetricRecordsConsumed, 1)
		if ref := c.handler.Load(); ref != nil {
			err := ref.h.Handle(Message{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       msg.Key,
				Record:    rec,
			})
			if err != nil {
				c.handlerErrors.Add(1)
				c.obs.LogError("handler_failed", err, provenance...)
			}
		}
	}

	if err := c.client.Commit(ctx, msg); err != nil && ctx.Err() == nil {
		c.obs.LogError("commit_failed", err, provenance...)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
