package handler

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/fieldlink/internal/app/bridge"
	"github.com/ghalamif/fieldlink/internal/app/persist"
	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
)

// ConsoleMessageSink prints consumed messages with their provenance.
type ConsoleMessageSink struct {
	w       io.Writer
	verbose bool
}

func NewConsoleMessageSink(w io.Writer, verbose bool) *ConsoleMessageSink {
	return &ConsoleMessageSink{w: w, verbose: verbose}
}

func (s *ConsoleMessageSink) Name() string { return "console" }

func (s *ConsoleMessageSink) Handle(msg bridge.Message) error {
	rec := msg.Record
	if rec.HasError() {
		_, err := fmt.Fprintf(s.w, "ERROR [%s/%d@%d] %s %s: %s\n",
			msg.Topic, msg.Partition, msg.Offset, rec.SourceID, rec.PointID, rec.ErrorMessage)
		return err
	}
	if !s.verbose {
		return nil
	}
	_, err := fmt.Fprintf(s.w, "[%s/%d@%d] %s %s = %s (%s)\n",
		msg.Topic, msg.Partition, msg.Offset, rec.SourceID, rec.PointID, rec.Value, rec.Quality)
	return err
}

// Submitter is the persistence worker as seen by PersistSink.
type Submitter interface {
	Submit(task persist.Task) bool
}

// PersistSink turns every valid message into a StoreOne task. Results come
// back on one shared channel drained by a single goroutine.
type PersistSink struct {
	worker  Submitter
	obs     ports.Observability
	results chan persist.Result
	done    chan struct{}
	once    sync.Once

	stored  atomic.Uint64
	failed  atomic.Uint64
	skipped atomic.Uint64
}

func NewPersistSink(worker Submitter, obs ports.Observability) *PersistSink {
	s := &PersistSink{
		worker:  worker,
		obs:     obs,
		results: make(chan persist.Result, 256),
		done:    make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *PersistSink) Name() string { return "persist" }

func (s *PersistSink) Handle(msg bridge.Message) error {
	if msg.Record.HasError() {
		s.skipped.Add(1)
		s.obs.RecordDrop("persist", domain.ErrInvalidRecord,
			ports.Field{Key: "point", Value: msg.Record.PointID},
			ports.Field{Key: "offset", Value: msg.Offset})
		return nil
	}
	s.worker.Submit(persist.Task{Kind: persist.StoreOne, Record: msg.Record, Done: s.results})
	return nil
}

func (s *PersistSink) drain() {
	defer close(s.done)
	for res := range s.results {
		if res.OK() {
			s.stored.Add(1)
			continue
		}
		s.failed.Add(1)
		if res.Code == persist.ConnectionError || res.Code == persist.Timeout {
			s.obs.LogError("persist_transient_failure", res.Err, ports.Field{Key: "code", Value: res.Code.String()})
		}
	}
}

// Close stops the result drain. Call it only after the worker has stopped, so
// no result is still in flight.
func (s *PersistSink) Close() {
	s.once.Do(func() {
		close(s.results)
		<-s.done
	})
}

func (s *PersistSink) Counts() (stored, failed, skipped uint64) {
	return s.stored.Load(), s.failed.Load(), s.skipped.Load()
}

// ArchiveSink batches records into a history sink. A batch is written when
// it is full or when the flush interval passes.
type ArchiveSink struct {
	sink      ports.Sink
	obs       ports.Observability
	batchSize int

	mu      sync.Mutex
	pending []domain.Record

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewArchiveSink(sink ports.Sink, batchSize int, flushEvery time.Duration, obs ports.Observability) *ArchiveSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	a := &ArchiveSink{
		sink:      sink,
		obs:       obs,
		batchSize: batchSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go a.loop(flushEvery)
	return a
}

func (a *ArchiveSink) Name() string { return "archive:" + a.sink.Name() }

func (a *ArchiveSink) Handle(msg bridge.Message) error {
	if msg.Record.HasError() {
		return nil
	}
	a.mu.Lock()
	a.pending = append(a.pending, msg.Record)
	full := len(a.pending) >= a.batchSize
	a.mu.Unlock()
	if full {
		return a.Flush()
	}
	return nil
}

func (a *ArchiveSink) Flush() error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	if err := a.sink.WriteBatch(batch); err != nil {
		return fmt.Errorf("archive %d records: %w", len(batch), err)
	}
	a.obs.ObserveLatency(ports.LatencyArchive, time.Since(start).Seconds())
	a.obs.IncCounter(ports.MetricRecordsArchived, float64(len(batch)))
	return nil
}

func (a *ArchiveSink) loop(every time.Duration) {
	defer close(a.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-t.C:
			if err := a.Flush(); err != nil {
				a.obs.LogError("archive_flush_failed", err)
			}
		}
	}
}

// Close stops the timer and writes what is left.
func (a *ArchiveSink) Close() error {
	var err error
	a.once.Do(func() {
		close(a.stop)
		<-a.done
		err = a.Flush()
	})
	return err
}
