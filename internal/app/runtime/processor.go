package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ghalamif/fieldlink/internal/adapters/kafka"
	"github.com/ghalamif/fieldlink/internal/adapters/redis"
	"github.com/ghalamif/fieldlink/internal/adapters/sink"
	"github.com/ghalamif/fieldlink/internal/app/bridge"
	"github.com/ghalamif/fieldlink/internal/app/config"
	"github.com/ghalamif/fieldlink/internal/app/handler"
	"github.com/ghalamif/fieldlink/internal/app/persist"
	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
)

// Processor consumes the record stream and keeps the latest value of every
// point in Redis, optionally archiving history to SQL.
type Processor struct {
	cfg      *config.Config
	o        *overrides
	obs      ports.Observability
	consumer *bridge.Consumer
	worker   *persist.Worker
	chain    *handler.Chain[bridge.Message]
	persist  *handler.PersistSink
	archive  *handler.ArchiveSink
	history  ports.Sink

	mu          sync.Mutex
	started     bool
	metricsSrv  *http.Server
	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

type ProcessorStats struct {
	Consumer bridge.ConsumerStats
	Persist  persist.Stats
	Status   string
	Sinks    []string
}

func NewProcessor(cfg *config.Config, opts ...Option) (*Processor, error) {
	if err := cfg.ValidateProcessor(); err != nil {
		return nil, err
	}
	o := resolve(opts)
	obs := o.observability()

	client := o.consumer
	if client == nil {
		c, err := kafka.NewConsumer(cfg.Kafka.Consumer())
		if err != nil {
			return nil, err
		}
		client = c
	}
	store := o.store
	if store == nil {
		store = redis.NewStore(cfg.Redis.Config)
	}

	consumer, err := bridge.NewConsumer(client, []string{cfg.Kafka.Topic}, obs,
		bridge.WithPollTimeout(cfg.Kafka.PollTimeout))
	if err != nil {
		return nil, err
	}

	p := &Processor{
		cfg:      cfg,
		o:        o,
		obs:      obs,
		consumer: consumer,
		worker:   persist.NewWorker(store, cfg.PersistPolicy(), obs),
		chain:    handler.NewChain[bridge.Message](obs),
	}
	if cfg.Console.Enabled {
		p.chain.Register(handler.NewConsoleMessageSink(o.console, cfg.Console.Verbose))
	}
	p.persist = handler.NewPersistSink(p.worker, obs)
	p.chain.Register(p.persist)

	history := o.archive
	if history == nil && cfg.Archive.ConnString != "" {
		ts, err := sink.OpenTimescale(cfg.Archive.ConnString, cfg.Archive.Table)
		if err != nil {
			// History is optional; the processor still serves latest values.
			obs.LogError("archive_disabled", err, ports.Field{Key: "table", Value: cfg.Archive.Table})
		} else {
			history = ts
		}
	}
	if history != nil {
		p.history = history
		p.archive = handler.NewArchiveSink(history, cfg.Archive.BatchSize, cfg.Archive.FlushInterval, obs)
		p.chain.Register(p.archive)
	}

	consumer.SetHandler(p.chain)
	return p, nil
}

// Start opens the store before consuming so no message is handled without a
// running worker.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.worker.Start(ctx); err != nil {
		return err
	}
	if err := p.consumer.Start(); err != nil {
		_ = p.worker.Stop()
		return err
	}
	p.started = true
	p.metricsSrv = startMetrics(p.cfg.Metrics.Addr, p.o.gatherer(), p.Healthy, p.obs)
	if every := p.cfg.Persist.CleanupInterval; every > 0 {
		p.cleanupStop = make(chan struct{})
		p.cleanupDone = make(chan struct{})
		go p.cleanupLoop(every, p.cfg.Persist.CleanupMaxAge)
	}
	p.obs.LogInfo("processor_started",
		ports.Field{Key: "topic", Value: p.cfg.Kafka.Topic},
		ports.Field{Key: "group", Value: p.cfg.Kafka.GroupID},
		ports.Field{Key: "sinks", Value: p.chain.Names()})
	return nil
}

func (p *Processor) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.Shutdown(shutdownCtx)
}

// Shutdown stops intake, drains the persistence queue, then closes sinks.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.metricsSrv != nil {
		if err := p.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
		p.metricsSrv = nil
	}
	if p.cleanupStop != nil {
		close(p.cleanupStop)
		<-p.cleanupDone
		p.cleanupStop = nil
	}
	if err := p.consumer.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := p.worker.Stop(); err != nil {
		errs = append(errs, err)
	}
	p.persist.Close()
	if p.archive != nil {
		if err := p.archive.Close(); err != nil {
			errs = append(errs, err)
		}
		if c, ok := p.history.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		p.archive = nil
	}
	p.started = false
	p.obs.LogInfo("processor_stopped")
	return errors.Join(errs...)
}

func (p *Processor) cleanupLoop(every, maxAge time.Duration) {
	defer close(p.cleanupDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-p.cleanupStop:
			return
		case <-ticker.C:
			select {
			case res := <-p.worker.Cleanup(maxAge):
				if !res.OK() {
					p.obs.LogError("cleanup_failed", res.Err, ports.Field{Key: "code", Value: res.Code.String()})
				}
			case <-p.cleanupStop:
				return
			}
		}
	}
}

// Healthy reports whether both the consumer and the persistence worker run.
func (p *Processor) Healthy() bool {
	return p.consumer.Status() == "Running" && p.worker.Status() == "Running"
}

// Latest reads the stored value of one point through the worker.
func (p *Processor) Latest(ctx context.Context, sourceID, pointID string) (domain.Record, persist.StoreResult, error) {
	return p.worker.Latest(ctx, sourceID, pointID)
}

func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Consumer: p.consumer.Stats(),
		Persist:  p.worker.Stats(),
		Status:   p.consumer.Status(),
		Sinks:    p.chain.Names(),
	}
}
