package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
)

type mockObs struct {
	mu     sync.Mutex
	errors []string
	drops  []string
}

func (m *mockObs) LogInfo(string, ...ports.Field) {}

func (m *mockObs) LogError(msg string, _ error, _ ...ports.Field) {
	m.mu.Lock()
	m.errors = append(m.errors, msg)
	m.mu.Unlock()
}

func (m *mockObs) LogCritical(msg string, err error, fields ...ports.Field) {
	m.LogError(msg, err, fields...)
}

func (m *mockObs) IncCounter(string, float64)     {}
func (m *mockObs) ObserveLatency(string, float64) {}
func (m *mockObs) SetGauge(string, float64)       {}

func (m *mockObs) RecordDrop(stage string, _ error, _ ...ports.Field) {
	m.mu.Lock()
	m.drops = append(m.drops, stage)
	m.mu.Unlock()
}

func (m *mockObs) errorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errors)
}

type mockProducer struct {
	published [][]byte
	topics    []string
	keys      [][]byte
	failOn    int // 1-based publish call to fail, 0 for none
	calls     int
	flushErr  error
}

func (m *mockProducer) Publish(_ context.Context, topic string, key, payload []byte) error {
	m.calls++
	if m.calls == m.failOn {
		return errors.New("queue full")
	}
	m.topics = append(m.topics, topic)
	m.keys = append(m.keys, key)
	m.published = append(m.published, payload)
	return nil
}

func (m *mockProducer) Flush(context.Context) error { return m.flushErr }
func (m *mockProducer) Close() error                { return nil }

func TestProducerRequiresTopic(t *testing.T) {
	if _, err := NewProducer(&mockProducer{}, "", &mockObs{}); !errors.Is(err, domain.ErrMissingConfig) {
		t.Fatalf("expected ErrMissingConfig, got %v", err)
	}
}

func TestProducerPublishBatchCountsPartialFailure(t *testing.T) {
	client := &mockProducer{failOn: 2}
	p, err := NewProducer(client, "telemetry", &mockObs{})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}

	recs := []domain.Record{
		{SourceID: "s", PointID: "a", Value: "1"},
		{SourceID: "s", PointID: "b", Value: "2"},
		{SourceID: "s", PointID: "c", Value: "3"},
	}
	if n := p.PublishBatch(context.Background(), recs); n != 2 {
		t.Fatalf("expected 2 accepted, got %d", n)
	}
	if st := p.Stats(); st.Published != 2 || st.Failed != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if client.topics[0] != "telemetry" || client.keys[0] != nil {
		t.Fatalf("records must be keyless on the configured topic")
	}

	rec, err := domain.DecodeRecord(client.published[1])
	if err != nil || rec.PointID != "c" {
		t.Fatalf("payload not decodable: %v %+v", err, rec)
	}
}

func TestProducerFlush(t *testing.T) {
	client := &mockProducer{}
	p, _ := NewProducer(client, "telemetry", &mockObs{})
	if !p.Flush(time.Second) {
		t.Fatalf("expected flush to succeed")
	}
	client.flushErr = context.DeadlineExceeded
	if p.Flush(time.Millisecond) {
		t.Fatalf("expected flush to report timeout")
	}
}

type pollResult struct {
	msg *ports.BrokerMessage
	err error
}

type mockConsumer struct {
	mu         sync.Mutex
	queue      chan pollResult
	polls      int
	subscribed []string
	committed  []int64
	closed     bool
}

func newMockConsumer() *mockConsumer {
	return &mockConsumer{queue: make(chan pollResult, 16)}
}

func (m *mockConsumer) Subscribe(topics []string) error {
	m.mu.Lock()
	m.subscribed = topics
	m.closed = false
	m.mu.Unlock()
	return nil
}

func (m *mockConsumer) Poll(ctx context.Context, timeout time.Duration) (*ports.BrokerMessage, error) {
	m.mu.Lock()
	m.polls++
	m.mu.Unlock()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-m.queue:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

func (m *mockConsumer) Commit(_ context.Context, msg *ports.BrokerMessage) error {
	m.mu.Lock()
	m.committed = append(m.committed, msg.Offset)
	m.mu.Unlock()
	return nil
}

func (m *mockConsumer) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockConsumer) pollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

func (m *mockConsumer) commits() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.committed...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConsumerForwardsAndDropsMalformed(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := newMockConsumer()
	obs := &mockObs{}
	c, err := NewConsumer(client, []string{"telemetry"}, obs, WithPollTimeout(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	if c.Status() != "Not initialized" {
		t.Fatalf("unexpected initial status %q", c.Status())
	}

	got := make(chan Message, 4)
	c.SetHandler(HandlerFunc(func(m Message) error {
		got <- m
		return nil
	}))

	payload, _ := domain.EncodeRecord(domain.Record{SourceID: "s", PointID: "p", Value: "7"})
	client.queue <- pollResult{msg: &ports.BrokerMessage{Topic: "telemetry", Partition: 1, Offset: 10, Payload: []byte("{oops")}}
	client.queue <- pollResult{msg: &ports.BrokerMessage{Topic: "telemetry", Partition: 1, Offset: 11, Payload: payload}}

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.Status() != "Running" {
		t.Fatalf("expected Running, got %q", c.Status())
	}

	select {
	case m := <-got:
		if m.Offset != 11 || m.Partition != 1 || m.Record.Value != "7" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not invoked")
	}

	waitFor(t, "both commits", func() bool { return len(client.commits()) == 2 })
	if st := c.Stats(); st.Malformed != 1 || st.Consumed != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c.Status() != "Stopped" || !client.closed {
		t.Fatalf("expected stopped and closed client, status %q", c.Status())
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestConsumerEmptyPollsStayQuiet(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := newMockConsumer()
	obs := &mockObs{}
	timeout := 10 * time.Millisecond
	c, _ := NewConsumer(client, []string{"telemetry"}, obs, WithPollTimeout(timeout))

	_ = c.Start()
	waitFor(t, "five empty polls", func() bool { return client.pollCount() >= 5 })
	if obs.errorCount() != 0 {
		t.Fatalf("empty polls must not log errors, got %v", obs.errors)
	}

	start := time.Now()
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > timeout+100*time.Millisecond {
		t.Fatalf("stop took %s, longer than one poll window", elapsed)
	}
}

func TestConsumerSurvivesPollErrorsAndPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := newMockConsumer()
	obs := &mockObs{}
	c, _ := NewConsumer(client, []string{"telemetry"}, obs,
		WithPollTimeout(10*time.Millisecond), WithErrorBackoff(time.Millisecond))

	calls := 0
	c.SetHandler(HandlerFunc(func(Message) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	}))

	payload, _ := domain.EncodeRecord(domain.Record{SourceID: "s", PointID: "p"})
	client.queue <- pollResult{err: errors.New("broker down")}
	client.queue <- pollResult{msg: &ports.BrokerMessage{Offset: 1, Payload: payload}}
	client.queue <- pollResult{msg: &ports.BrokerMessage{Offset: 2, Payload: payload}}

	_ = c.Start()
	waitFor(t, "commit of second message", func() bool {
		commits := client.commits()
		return len(commits) > 0 && commits[len(commits)-1] == 2
	})
	if st := c.Stats(); st.PollErrors != 1 {
		t.Fatalf("expected one poll error, got %+v", st)
	}
	_ = c.Stop()
}
