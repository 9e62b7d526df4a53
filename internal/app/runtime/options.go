package runtime

import (
	"io"
	"log/slog"
	"os"

	"github.com/ghalamif/fieldlink/internal/adapters/observability"
	"github.com/ghalamif/fieldlink/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
)

type overrides struct {
	field    ports.FieldClient
	producer ports.Producer
	consumer ports.Consumer
	store    ports.RecordStore
	archive  ports.Sink
	obs      ports.Observability
	logger   *slog.Logger
	registry *prometheus.Registry
	console  io.Writer
	listener func(string)
}

// Option customises a Collector or Processor.
type Option func(*overrides)

// WithFieldClient replaces the OPC UA adapter.
func WithFieldClient(c ports.FieldClient) Option {
	return func(o *overrides) { o.field = c }
}

// WithProducer replaces the Kafka producer used by the collector.
func WithProducer(p ports.Producer) Option {
	return func(o *overrides) { o.producer = p }
}

// WithConsumer replaces the Kafka consumer used by the processor.
func WithConsumer(c ports.Consumer) Option {
	return func(o *overrides) { o.consumer = c }
}

// WithStore replaces the Redis record store.
func WithStore(s ports.RecordStore) Option {
	return func(o *overrides) { o.store = s }
}

// WithArchive enables history archiving into s regardless of archive config.
func WithArchive(s ports.Sink) Option {
	return func(o *overrides) { o.archive = s }
}

func WithObservability(obs ports.Observability) Option {
	return func(o *overrides) { o.obs = obs }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *overrides) { o.logger = l }
}

// WithRegistry registers metrics on reg and serves them from it.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *overrides) { o.registry = reg }
}

// WithConsole sets where console sinks write. Defaults to stdout.
func WithConsole(w io.Writer) Option {
	return func(o *overrides) { o.console = w }
}

// WithStatusListener is called with a human readable status on every
// connection state change of the collector.
func WithStatusListener(fn func(string)) Option {
	return func(o *overrides) { o.listener = fn }
}

func resolve(opts []Option) *overrides {
	o := &overrides{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.console == nil {
		o.console = os.Stdout
	}
	return o
}

func (o *overrides) gatherer() prometheus.Gatherer {
	if o.registry != nil {
		return o.registry
	}
	return prometheus.DefaultGatherer
}

func (o *overrides) observability() ports.Observability {
	if o.obs != nil {
		return o.obs
	}
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	if o.registry != nil {
		reg = o.registry
	}
	o.obs = observability.NewPromObs(reg, o.logger)
	return o.obs
}
