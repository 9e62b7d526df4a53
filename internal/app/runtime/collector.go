package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ghalamif/fieldlink/internal/adapters/kafka"
	"github.com/ghalamif/fieldlink/internal/adapters/opcua"
	"github.com/ghalamif/fieldlink/internal/app/bridge"
	"github.com/ghalamif/fieldlink/internal/app/collector"
	"github.com/ghalamif/fieldlink/internal/app/config"
	"github.com/ghalamif/fieldlink/internal/app/handler"
	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
)

// Collector wires the field connection to the record chain: console output
// and, when a stream is configured, the Kafka producer.
type Collector struct {
	cfg    *config.Config
	o      *overrides
	obs    ports.Observability
	client *collector.Client
	chain  *handler.Chain[domain.Record]
	stream *handler.StreamSink
	bridge *bridge.Producer

	mu         sync.Mutex
	started    bool
	metricsSrv *http.Server
}

// CollectorStats is a point-in-time view used by the status loop.
type CollectorStats struct {
	State         domain.ConnectionState
	Subscriptions int
	Published     uint64
	PublishFailed uint64
	Sinks         []string
}

func NewCollector(cfg *config.Config, opts ...Option) (*Collector, error) {
	if err := cfg.ValidateCollector(); err != nil {
		return nil, err
	}
	o := resolve(opts)
	obs := o.observability()

	field := o.field
	if field == nil {
		c, err := opcua.NewClient(cfg.OPCUA.Config)
		if err != nil {
			return nil, err
		}
		field = c
	}

	subs := collector.NewSubscriptionSet(field, cfg.OPCUA.Endpoint, cfg.OPCUA.Points(),
		cfg.OPCUA.PublishInterval, cfg.OPCUA.NamespaceIndex(), obs)

	clientOpts := []collector.Option{collector.WithTimings(collector.Timings{
		ConnectTimeout:  cfg.OPCUA.ConnectTimeout,
		SessionWait:     cfg.OPCUA.SessionWait,
		RetryBackoff:    cfg.OPCUA.RetryBackoff,
		MaxRetryBackoff: cfg.OPCUA.MaxRetryBackoff,
		IterateTimeout:  cfg.OPCUA.IterateTimeout,
	})}
	if o.listener != nil {
		listener := o.listener
		clientOpts = append(clientOpts, collector.WithStateListener(func(s domain.ConnectionState) {
			listener(s.String())
		}))
	}

	c := &Collector{
		cfg:    cfg,
		o:      o,
		obs:    obs,
		client: collector.NewClient(field, subs, obs, clientOpts...),
		chain:  handler.NewChain[domain.Record](obs),
	}
	if cfg.Console.Enabled {
		c.chain.Register(handler.NewConsoleSink(o.console, cfg.Console.Verbose))
	}
	if err := c.attachStream(); err != nil {
		// The collector keeps running without a stream; only that sink is lost.
		obs.LogError("stream_disabled", err)
	}
	c.client.SetSink(c.chain)
	return c, nil
}

func (c *Collector) attachStream() error {
	if err := c.cfg.StreamEnabled(); err != nil && c.o.producer == nil {
		return err
	}
	client := c.o.producer
	if client == nil {
		p, err := kafka.NewProducer(c.cfg.Kafka.Producer(), c.obs)
		if err != nil {
			return err
		}
		client = p
	}
	b, err := bridge.NewProducer(client, c.cfg.Kafka.Topic, c.obs)
	if err != nil {
		_ = client.Close()
		return err
	}
	c.bridge = b
	c.stream = handler.NewStreamSink(b)
	c.chain.Register(c.stream)
	return nil
}

// Start launches the connection loop and the metrics server.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := c.client.Start(); err != nil {
		return err
	}
	c.started = true
	c.metricsSrv = startMetrics(c.cfg.Metrics.Addr, c.o.gatherer(), c.Healthy, c.obs)
	c.obs.LogInfo("collector_started",
		ports.Field{Key: "endpoint", Value: c.cfg.OPCUA.Endpoint},
		ports.Field{Key: "points", Value: len(c.cfg.OPCUA.Points())},
		ports.Field{Key: "sinks", Value: c.chain.Names()})
	return nil
}

// Run starts the collector and blocks until ctx is cancelled, then shuts down.
func (c *Collector) Run(ctx context.Context) error {
	if err := c.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Kafka.FlushTimeout+5*time.Second)
	defer cancel()
	return c.Shutdown(shutdownCtx)
}

// Shutdown stops the field loop first so no new records arrive, then flushes
// and closes the producer.
func (c *Collector) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.metricsSrv != nil {
		if err := c.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
		c.metricsSrv = nil
	}
	if err := c.client.Stop(); err != nil {
		errs = append(errs, err)
	}
	if c.bridge != nil {
		if !c.bridge.Flush(c.cfg.Kafka.FlushTimeout) {
			c.obs.LogError("shutdown_flush_incomplete", context.DeadlineExceeded,
				ports.Field{Key: "timeout", Value: c.cfg.Kafka.FlushTimeout.String()})
		}
		if err := c.bridge.Close(); err != nil {
			errs = append(errs, err)
		}
		c.bridge = nil
	}
	c.started = false
	c.obs.LogInfo("collector_stopped")
	return errors.Join(errs...)
}

// Healthy reports whether the session is active.
func (c *Collector) Healthy() bool {
	return c.client.State() == domain.StateSessionActive
}

func (c *Collector) State() domain.ConnectionState { return c.client.State() }

func (c *Collector) Stats() CollectorStats {
	st := CollectorStats{
		State:         c.client.State(),
		Subscriptions: c.client.Subscriptions(),
		Sinks:         c.chain.Names(),
	}
	if c.stream != nil {
		st.Published, st.PublishFailed = c.stream.Counts()
	}
	return st
}
