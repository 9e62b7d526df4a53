package observability

import (
	"log/slog"

	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
)

type PromObs struct {
	logger   *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
	drops    *prometheus.CounterVec
}

// NewPromObs registers the fieldlink metrics on reg (the default registerer
// when nil) and logs through logger (slog.Default when nil).
func NewPromObs(reg prometheus.Registerer, logger *slog.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	histo := func(name, help string) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		})
	}

	p := &PromObs{
		logger: logger,
		counters: map[string]prometheus.Counter{
			ports.MetricRecordsProduced:   counter(ports.MetricRecordsProduced, "Records produced from field notifications."),
			ports.MetricRecordsPublished:  counter(ports.MetricRecordsPublished, "Records accepted by the broker client."),
			ports.MetricPublishFailures:   counter(ports.MetricPublishFailures, "Records the broker client refused or failed to deliver."),
			ports.MetricRecordsConsumed:   counter(ports.MetricRecordsConsumed, "Records pulled from the stream and decoded."),
			ports.MetricMalformedPayloads: counter(ports.MetricMalformedPayloads, "Stream payloads dropped because they could not be decoded."),
			ports.MetricStoreOps:          counter(ports.MetricStoreOps, "Storage operations attempted by the persistence worker."),
			ports.MetricStoreSucceeded:    counter(ports.MetricStoreSucceeded, "Storage operations that succeeded."),
			ports.MetricStoreFailed:       counter(ports.MetricStoreFailed, "Storage operations that failed."),
			ports.MetricReconnects:        counter(ports.MetricReconnects, "Connection attempts to the field endpoint after the first."),
			ports.MetricSinkErrors:        counter(ports.MetricSinkErrors, "Errors and panics raised by handler chain sinks."),
			ports.MetricRecordsArchived:   counter(ports.MetricRecordsArchived, "Records written to the SQL archive."),
		},
		gauges: map[string]prometheus.Gauge{
			ports.GaugeConnectionState: gauge(ports.GaugeConnectionState, "Field connection state (0 Disconnected .. 4 Error)."),
			ports.GaugeSubscriptions:   gauge(ports.GaugeSubscriptions, "Active field subscriptions."),
			ports.GaugePersistQueue:    gauge(ports.GaugePersistQueue, "Tasks waiting in the persistence queue."),
			ports.GaugeProducerPending: gauge(ports.GaugeProducerPending, "Records accepted by the broker client and not yet acknowledged."),
		},
		histos: map[string]prometheus.Observer{
			ports.LatencyStore:   histo(ports.LatencyStore, "Latency of a single storage operation."),
			ports.LatencyArchive: histo(ports.LatencyArchive, "Latency of an archive batch insert."),
		},
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldlink_records_dropped_total",
			Help: "Records discarded, by pipeline stage.",
		}, []string{"stage"}),
	}

	reg.MustRegister(p.drops)
	for _, c := range p.counters {
		reg.MustRegister(c)
	}
	for _, g := range p.gauges {
		reg.MustRegister(g)
	}
	for _, h := range p.histos {
		reg.MustRegister(h.(prometheus.Collector))
	}
	return p
}

func attrs(fields []ports.Field, extra ...any) []any {
	out := make([]any, 0, len(fields)*2+len(extra))
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return append(out, extra...)
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, attrs(fields, "err", err, "class", domain.Classify(err).String())...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, attrs(fields, "err", err, "critical", true)...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDrop(stage string, err error, fields ...ports.Field) {
	p.drops.WithLabelValues(stage).Inc()
	p.logger.Warn("record_dropped", attrs(fields, "stage", stage, "err", err)...)
}

var _ ports.Observability = (*PromObs)(nil)
