package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ghalamif/fieldlink/internal/domain"
)

// ConsoleSink prints records for operators. Error records always print; value
// records only when verbose.
type ConsoleSink struct {
	w       io.Writer
	verbose bool
}

func NewConsoleSink(w io.Writer, verbose bool) *ConsoleSink {
	return &ConsoleSink{w: w, verbose: verbose}
}

func (s *ConsoleSink) Name() string { return "console" }

func (s *ConsoleSink) Handle(rec domain.Record) error {
	if rec.HasError() {
		_, err := fmt.Fprintf(s.w, "ERROR %s %s: %s\n", rec.SourceID, rec.PointID, rec.ErrorMessage)
		return err
	}
	if !s.verbose {
		return nil
	}
	_, err := fmt.Fprintf(s.w, "%s %s = %s (%s) @ %s\n",
		rec.SourceID, rec.PointID, rec.Value, rec.Quality, rec.DeviceTime.Format("2006-01-02T15:04:05.000Z07:00"))
	return err
}

// Publisher is the producer side of the stream bridge.
type Publisher interface {
	Publish(ctx context.Context, rec domain.Record) bool
}

var ErrPublishFailed = errors.New("stream publish failed")

// StreamSink forwards records to the stream and counts outcomes.
type StreamSink struct {
	pub       Publisher
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

func NewStreamSink(pub Publisher) *StreamSink {
	return &StreamSink{pub: pub}
}

func (s *StreamSink) Name() string { return "stream" }

func (s *StreamSink) Handle(rec domain.Record) error {
	if s.pub.Publish(context.Background(), rec) {
		s.succeeded.Add(1)
		return nil
	}
	s.failed.Add(1)
	return fmt.Errorf("%w: %s", ErrPublishFailed, rec.PointID)
}

func (s *StreamSink) Counts() (succeeded, failed uint64) {
	return s.succeeded.Load(), s.failed.Load()
}
