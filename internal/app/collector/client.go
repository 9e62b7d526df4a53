package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
)

// Timings bound every blocking step of the connection loop.
type Timings struct {
	ConnectTimeout  time.Duration
	SessionWait     time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	IterateTimeout  time.Duration
}

func (t *Timings) applyDefaults() {
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = 10 * time.Second
	}
	if t.SessionWait <= 0 {
		t.SessionWait = 5 * time.Second
	}
	if t.RetryBackoff <= 0 {
		t.RetryBackoff = 3 * time.Second
	}
	if t.MaxRetryBackoff < t.RetryBackoff {
		t.MaxRetryBackoff = t.RetryBackoff
	}
	if t.IterateTimeout <= 0 {
		t.IterateTimeout = 100 * time.Millisecond
	}
}

type Option func(*Client)

func WithTimings(t Timings) Option {
	return func(c *Client) { c.timings = t }
}

// WithStateListener registers fn for every state transition. fn runs with the
// transition lock held and must not block.
func WithStateListener(fn func(domain.ConnectionState)) Option {
	return func(c *Client) { c.listeners = append(c.listeners, fn) }
}

// Client owns one logical connection to the field endpoint and keeps the
// subscription set alive across reconnects.
type Client struct {
	field     ports.FieldClient
	subs      *SubscriptionSet
	obs       ports.Observability
	timings   Timings
	listeners []func(domain.ConnectionState)

	state atomic.Int32

	mu                sync.Mutex
	changed           chan struct{} // closed and replaced on every transition
	pendingActivation bool
	resubscribe       atomic.Bool

	lifecycle sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	retry     *backoff.ExponentialBackOff
	attempts  int
}

func NewClient(field ports.FieldClient, subs *SubscriptionSet, obs ports.Observability, opts ...Option) *Client {
	c := &Client{
		field:   field,
		subs:    subs,
		obs:     obs,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.timings.applyDefaults()

	c.retry = backoff.NewExponentialBackOff()
	c.retry.InitialInterval = c.timings.RetryBackoff
	c.retry.MaxInterval = c.timings.MaxRetryBackoff
	c.retry.Multiplier = 1
	if c.timings.MaxRetryBackoff > c.timings.RetryBackoff {
		c.retry.Multiplier = 2
	}
	c.retry.RandomizationFactor = 0
	c.retry.MaxElapsedTime = 0
	c.retry.Reset()

	field.SetSessionCallbacks(ports.SessionCallbacks{
		OnActivated: c.onSessionActivated,
		OnClosed:    c.onSessionClosed,
	})
	return c
}

func (c *Client) State() domain.ConnectionState {
	return domain.ConnectionState(c.state.Load())
}

func (c *Client) StateString() string { return c.State().String() }

func (c *Client) Subscriptions() int { return c.subs.Len() }

// SetSink swaps the handler for records produced after the call.
func (c *Client) SetSink(sink RecordSink) { c.subs.SetSink(sink) }

// Start moves to Connecting and launches the connection loop. Calling Start
// on a running client does nothing.
func (c *Client) Start() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.attempts = 0
	c.retry.Reset()
	c.setState(domain.StateConnecting)

	go c.run(ctx)
	return nil
}

// Stop ends the loop, waits for it, then removes subscriptions and closes the
// connection. Calling Stop on a stopped client does nothing.
func (c *Client) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.running {
		return nil
	}
	c.cancel()
	<-c.done
	c.running = false

	ctx, cancel := context.WithTimeout(context.Background(), c.timings.ConnectTimeout)
	defer cancel()
	err := errors.Join(c.subs.Delete(ctx), c.field.Disconnect(ctx))

	c.mu.Lock()
	c.pendingActivation = false
	c.resubscribe.Store(false)
	c.transitionLocked(domain.StateDisconnected)
	c.mu.Unlock()

	c.obs.LogInfo("field_connection_stopped")
	return err
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for ctx.Err() == nil {
		c.step(ctx)
	}
}

func (c *Client) step(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.handleConnectionError(fmt.Errorf("panic in connection loop: %v", r))
			c.sleep(ctx, c.retry.NextBackOff())
		}
	}()

	switch c.State() {
	case domain.StateDisconnected, domain.StateConnecting, domain.StateError:
		c.connect(ctx)
	case domain.StateConnected, domain.StateSessionActive:
		c.iterate(ctx)
	}
}

func (c *Client) connect(ctx context.Context) {
	if c.State() == domain.StateError {
		if err := c.field.Disconnect(ctx); err != nil {
			c.obs.LogError("field_disconnect_failed", err)
		}
		c.setState(domain.StateConnecting)
	}
	if c.attempts > 0 {
		c.obs.IncCounter(ports.MetricReconnects, 1)
	}
	c.attempts++

	cctx, cancel := context.WithTimeout(ctx, c.timings.ConnectTimeout)
	err := c.field.Connect(cctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		wait := c.retry.NextBackOff()
		c.obs.LogError("field_connect_failed", err,
			ports.Field{Key: "attempt", Value: c.attempts},
			ports.Field{Key: "retry_in", Value: wait.String()})
		c.mu.Lock()
		c.pendingActivation = false
		c.transitionLocked(domain.StateError)
		c.mu.Unlock()
		c.sleep(ctx, wait)
		return
	}

	c.retry.Reset()
	c.markConnected()
	c.obs.LogInfo("field_connected", ports.Field{Key: "attempt", Value: c.attempts})

	if !c.awaitSession(ctx) && ctx.Err() == nil {
		c.obs.LogInfo("session_not_active", ports.Field{Key: "waited", Value: c.timings.SessionWait.String()})
	}
}

// awaitSession waits for the session to leave Connected. It reports whether
// the session became active.
func (c *Client) awaitSession(ctx context.Context) bool {
	deadline := time.NewTimer(c.timings.SessionWait)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		st := c.State()
		changed := c.changed
		c.mu.Unlock()
		if st != domain.StateConnected {
			return st == domain.StateSessionActive
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Client) iterate(ctx context.Context) {
	if c.resubscribe.CompareAndSwap(true, false) && c.State() == domain.StateSessionActive {
		if err := c.subs.Create(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleConnectionError(err)
			c.sleep(ctx, c.retry.NextBackOff())
			return
		}
	}

	if err := c.field.RunIterate(ctx, c.timings.IterateTimeout); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.handleConnectionError(err)
	}
}

// handleConnectionError is the only path besides Stop that clears the
// subscription set.
func (c *Client) handleConnectionError(err error) {
	c.obs.LogError("field_connection_error", err, ports.Field{Key: "state", Value: c.StateString()})

	ctx, cancel := context.WithTimeout(context.Background(), c.timings.ConnectTimeout)
	defer cancel()
	if derr := c.subs.Delete(ctx); derr != nil {
		c.obs.LogError("subscriptions_delete_failed", derr)
	}
	c.resubscribe.Store(false)
	c.setState(domain.StateError)
}

func (c *Client) markConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(domain.StateConnected)
	if c.pendingActivation {
		c.pendingActivation = false
		c.transitionLocked(domain.StateSessionActive)
		c.resubscribe.Store(true)
	}
}

func (c *Client) onSessionActivated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case domain.StateConnected:
		c.transitionLocked(domain.StateSessionActive)
		c.resubscribe.Store(true)
	case domain.StateConnecting:
		// Connect has not returned yet.
		c.pendingActivation = true
	}
}

func (c *Client) onSessionClosed() {
	c.mu.Lock()
	c.pendingActivation = false
	wasActive := c.State() == domain.StateSessionActive
	if wasActive {
		c.transitionLocked(domain.StateConnected)
	}
	c.resubscribe.Store(false)
	c.mu.Unlock()

	if wasActive {
		c.subs.Detach()
	}
}

func (c *Client) setState(s domain.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(s)
}

func (c *Client) transitionLocked(s domain.ConnectionState) {
	prev := domain.ConnectionState(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	close(c.changed)
	c.changed = make(chan struct{})

	c.obs.SetGauge(ports.GaugeConnectionState, float64(s))
	for _, fn := range c.listeners {
		fn(s)
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
