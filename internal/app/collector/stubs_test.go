package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
)

type mockObs struct {
	mu     sync.Mutex
	errors []string
	gauges map[string]float64
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

func (m *mockObs) SetGauge(name string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges == nil {
		m.gauges = make(map[string]float64)
	}
	m.gauges[name] = v
}

func (m *mockObs) RecordDrop(string, error, ...ports.Field) {}

type fakeSub struct {
	field    *fakeField
	node     string
	onChange func(ports.DataChange)
	canceled atomic.Bool
}

func (s *fakeSub) Cancel(context.Context) error {
	s.canceled.Store(true)
	return nil
}

// fakeField activates the session right after Connect, the way the OPC UA
// adapter does, unless manualActivation is set.
type fakeField struct {
	mu               sync.Mutex
	cb               ports.SessionCallbacks
	connectErrs      int // fail this many connects first
	connects         int
	disconnects      int
	failSubscribe    map[string]error
	subs             []*fakeSub
	manualActivation bool
	iterateErr       chan error
}

func newFakeField() *fakeField {
	return &fakeField{iterateErr: make(chan error, 1), failSubscribe: map[string]error{}}
}

func (f *fakeField) SetSessionCallbacks(cb ports.SessionCallbacks) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *fakeField) callbacks() ports.SessionCallbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *fakeField) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	if f.connectErrs > 0 {
		f.connectErrs--
		f.mu.Unlock()
		return errors.New("connection refused")
	}
	manual := f.manualActivation
	f.mu.Unlock()
	if !manual {
		go f.callbacks().OnActivated()
	}
	return nil
}

func (f *fakeField) Disconnect(context.Context) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeField) RunIterate(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case err := <-f.iterateErr:
		return err
	case <-t.C:
		return nil
	}
}

func (f *fakeField) Subscribe(_ context.Context, req ports.SubscriptionRequest, onChange func(ports.DataChange)) (ports.FieldSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failSubscribe[req.Point.NodeID]; err != nil {
		return nil, err
	}
	s := &fakeSub{field: f, node: req.Point.NodeID, onChange: onChange}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeField) allSubs() []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSub(nil), f.subs...)
}

func (f *fakeField) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type captureSink struct {
	mu      sync.Mutex
	records []domain.Record
}

func (s *captureSink) Handle(rec domain.Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) all() []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Record(nil), s.records...)
}

type stateLog struct {
	mu     sync.Mutex
	states []domain.ConnectionState
}

func (l *stateLog) record(s domain.ConnectionState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []domain.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ConnectionState(nil), l.states...)
}

func (l *stateLog) seen(s domain.ConnectionState) bool {
	for _, st := range l.snapshot() {
		if st == s {
			return true
		}
	}
	return false
}
