package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghalamif/fieldlink/internal/ports"
	kafkago "github.com/segmentio/kafka-go"
)

type stubWriter struct {
	err  error
	msgs []kafkago.Message
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *stubWriter) Close() error { return nil }

type stubReader struct {
	msgs      chan kafkago.Message
	reads     int
	fetches   int
	committed []kafkago.Message
	closed    bool
}

func newStubReader() *stubReader { return &stubReader{msgs: make(chan kafkago.Message, 4)} }

func (r *stubReader) next(ctx context.Context) (kafkago.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	}
}

func (r *stubReader) ReadMessage(ctx context.Context) (kafkago.Message, error) {
	r.reads++
	return r.next(ctx)
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.fetches++
	return r.next(ctx)
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *stubReader) Close() error {
	r.closed = true
	return nil
}

func TestProducerFlushWaitsForDeliveryReports(t *testing.T) {
	w := &stubWriter{}
	p := newProducer(w, nil)

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("flush with nothing pending: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := p.Publish(context.Background(), "telemetry", nil, []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if len(w.msgs) != 2 || w.msgs[0].Topic != "telemetry" || w.msgs[0].Key != nil {
		t.Fatalf("unexpected messages handed to writer: %+v", w.msgs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected flush timeout while deliveries pending, got %v", err)
	}

	p.complete(w.msgs[:1], nil)
	p.complete(w.msgs[1:], errors.New("leader not available"))
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("flush after reports: %v", err)
	}
	if p.Pending() != 0 {
		t.Fatalf("expected no pending messages, got %d", p.Pending())
	}
}

func TestProducerWriteErrorSettlesPending(t *testing.T) {
	p := newProducer(&stubWriter{err: errors.New("closed")}, nil)
	if err := p.Publish(context.Background(), "t", nil, []byte("x")); err == nil {
		t.Fatalf("expected publish error")
	}
	if p.Pending() != 0 {
		t.Fatalf("failed hand-off must not stay pending")
	}
}

func TestParseAcks(t *testing.T) {
	cases := map[string]kafkago.RequiredAcks{
		"all": kafkago.RequireAll,
		"-1":  kafkago.RequireAll,
		"1":   kafkago.RequireOne,
		"0":   kafkago.RequireNone,
	}
	for in, want := range cases {
		if got := parseAcks(in); got != want {
			t.Fatalf("acks %q: expected %v, got %v", in, want, got)
		}
	}
}

func newStubConsumer(t *testing.T, cfg ConsumerConfig) (*Consumer, *stubReader, *kafkago.ReaderConfig) {
	t.Helper()
	cfg.Brokers = []string{"localhost:9092"}
	c, err := NewConsumer(cfg)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	r := newStubReader()
	var seen kafkago.ReaderConfig
	c.newReader = func(rc kafkago.ReaderConfig) messageReader {
		seen = rc
		return r
	}
	return c, r, &seen
}

func TestConsumerPollAndManualCommit(t *testing.T) {
	c, r, rc := newStubConsumer(t, ConsumerConfig{OffsetReset: "earliest"})

	if _, err := c.Poll(context.Background(), time.Millisecond); err == nil {
		t.Fatalf("poll before subscribe must fail")
	}
	if err := c.Subscribe([]string{"telemetry"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if rc.StartOffset != kafkago.FirstOffset || rc.GroupID != "fieldlink-processor" || rc.CommitInterval != 0 {
		t.Fatalf("unexpected reader config: %+v", rc)
	}

	msg, err := c.Poll(context.Background(), 10*time.Millisecond)
	if err != nil || msg != nil {
		t.Fatalf("empty poll must return nil, nil; got %v %v", msg, err)
	}

	r.msgs <- kafkago.Message{Topic: "telemetry", Partition: 2, Offset: 41, Value: []byte("{}")}
	msg, err = c.Poll(context.Background(), time.Second)
	if err != nil || msg == nil {
		t.Fatalf("expected message, got %v %v", msg, err)
	}
	if msg.Partition != 2 || msg.Offset != 41 || string(msg.Payload) != "{}" {
		t.Fatalf("provenance lost: %+v", msg)
	}
	if r.fetches != 2 || r.reads != 0 {
		t.Fatalf("manual commit mode must fetch, got fetches=%d reads=%d", r.fetches, r.reads)
	}

	if err := c.Commit(context.Background(), msg); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(r.committed) != 1 || r.committed[0].Offset != 41 {
		t.Fatalf("unexpected commits: %+v", r.committed)
	}

	if err := c.Close(); err != nil || !r.closed {
		t.Fatalf("close: %v closed=%v", err, r.closed)
	}
}

func TestConsumerAutoCommit(t *testing.T) {
	c, r, rc := newStubConsumer(t, ConsumerConfig{AutoCommit: true, AutoCommitInterval: time.Second})
	if err := c.Subscribe([]string{"telemetry"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if rc.CommitInterval != time.Second || rc.StartOffset != kafkago.LastOffset {
		t.Fatalf("unexpected reader config: %+v", rc)
	}

	r.msgs <- kafkago.Message{Topic: "telemetry"}
	msg, err := c.Poll(context.Background(), time.Second)
	if err != nil || msg == nil {
		t.Fatalf("expected message, got %v %v", msg, err)
	}
	if r.reads != 1 {
		t.Fatalf("auto commit mode must use ReadMessage")
	}
	if err := c.Commit(context.Background(), msg); err != nil || len(r.committed) != 0 {
		t.Fatalf("commit must be a no-op with auto commit")
	}
}

func TestConsumerPollCanceled(t *testing.T) {
	c, _, _ := newStubConsumer(t, ConsumerConfig{})
	_ = c.Subscribe([]string{"telemetry"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Poll(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

var _ ports.Consumer = (*Consumer)(nil)
