package persist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/fieldlink/internal/adapters/queue"
	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"
)

type Stats struct {
	Total     uint64
	Succeeded uint64
	Failed    uint64
	Pending   int
}

// Worker applies records to the store from a single goroutine fed by a
// bounded queue.
type Worker struct {
	store  ports.RecordStore
	policy ports.Policy
	obs    ports.Observability
	now    func() time.Time

	lifecycle sync.Mutex
	started   bool
	running   atomic.Bool
	queue     atomic.Pointer[queue.MemQueue[Task]]
	done      chan struct{}

	total     atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

func NewWorker(store ports.RecordStore, policy ports.Policy, obs ports.Observability) *Worker {
	if policy.MaxQueueLen <= 0 {
		policy.MaxQueueLen = 10_000
	}
	if policy.OnQueueFull == "" {
		policy.OnQueueFull = "block"
	}
	if policy.OpTimeout <= 0 {
		policy.OpTimeout = 2 * time.Second
	}
	if policy.TTL <= 0 {
		policy.TTL = 7 * 24 * time.Hour
	}
	return &Worker{store: store, policy: policy, obs: obs, now: time.Now}
}

// Start opens the store and launches the worker goroutine. Calling Start on
// a running worker does nothing.
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.running.Load() {
		return nil
	}
	if err := w.store.Open(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	q := queue.NewMemQueue[Task](w.policy.MaxQueueLen)
	w.queue.Store(q)
	w.done = make(chan struct{})
	w.started = true
	w.running.Store(true)
	go w.run(q)

	w.obs.LogInfo("persist_worker_started", ports.Field{Key: "queue_len", Value: w.policy.MaxQueueLen})
	return nil
}

// Stop refuses new tasks, drains the queue, joins the worker and closes the
// store.
func (w *Worker) Stop() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if !w.running.Load() {
		return nil
	}
	w.running.Store(false)
	w.queue.Load().Close()
	<-w.done

	st := w.Stats()
	w.obs.LogInfo("persist_worker_stopped",
		ports.Field{Key: "total", Value: st.Total},
		ports.Field{Key: "succeeded", Value: st.Succeeded},
		ports.Field{Key: "failed", Value: st.Failed})
	return w.store.Close()
}

func (w *Worker) Status() string {
	switch {
	case w.running.Load():
		return "Running"
	case w.wasStarted():
		return "Stopped"
	default:
		return "Not initialized"
	}
}

func (w *Worker) wasStarted() bool {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.started
}

func (w *Worker) Stats() Stats {
	st := Stats{
		Total:     w.total.Load(),
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
	}
	if q := w.queue.Load(); q != nil {
		st.Pending = q.Len()
	}
	return st
}

// Submit enqueues task and reports whether it was accepted. A task that is
// not accepted still gets exactly one result: ConnectionError when the worker
// is not running, QueueFull when the reject policy applies. Submit never
// blocks on delivering that result.
func (w *Worker) Submit(task Task) bool {
	q := w.queue.Load()
	if !w.running.Load() || q == nil {
		reject(task, Result{Code: ConnectionError, Err: fmt.Errorf("persist worker: %w", domain.ErrNotRunning)})
		return false
	}

	var ok bool
	if w.policy.OnQueueFull == "reject" {
		ok = q.TryPush(task)
	} else {
		ok = q.Push(task)
	}
	if ok {
		w.obs.SetGauge(ports.GaugePersistQueue, float64(q.Len()))
		return true
	}

	if !w.running.Load() {
		reject(task, Result{Code: ConnectionError, Err: fmt.Errorf("persist worker: %w", domain.ErrNotRunning)})
		return false
	}
	w.obs.RecordDrop("persist_queue", domain.ErrQueueFull, ports.Field{Key: "task", Value: task.Kind.String()})
	reject(task, Result{Code: QueueFull, Err: domain.ErrQueueFull})
	return false
}

func (w *Worker) StoreOne(rec domain.Record) <-chan Result {
	done := make(chan Result, 1)
	w.Submit(Task{Kind: StoreOne, Record: rec, Done: done})
	return done
}

func (w *Worker) StoreMany(recs []domain.Record) <-chan Result {
	done := make(chan Result, 1)
	w.Submit(Task{Kind: StoreMany, Records: recs, Done: done})
	return done
}

func (w *Worker) Cleanup(maxAge time.Duration) <-chan Result {
	done := make(chan Result, 1)
	w.Submit(Task{Kind: Cleanup, MaxAge: maxAge, Done: done})
	return done
}

// Latest reads the stored value of one point synchronously.
func (w *Worker) Latest(ctx context.Context, sourceID, pointID string) (domain.Record, StoreResult, error) {
	if !w.running.Load() {
		return domain.Record{}, ConnectionError, fmt.Errorf("persist worker: %w", domain.ErrNotRunning)
	}
	ctx, cancel := context.WithTimeout(ctx, w.policy.OpTimeout)
	defer cancel()
	rec, err := w.store.Get(ctx, sourceID, pointID)
	return rec, codeFor(err), err
}

func reply(task Task, res Result) {
	if task.Done != nil {
		task.Done <- res
	}
}

// reject hands res over without blocking the submitter. When nobody is ready
// to receive it, delivery moves to its own goroutine.
func reject(task Task, res Result) {
	if task.Done == nil {
		return
	}
	select {
	case task.Done <- res:
	default:
		go reply(task, res)
	}
}

func (w *Worker) run(q *queue.MemQueue[Task]) {
	defer close(w.done)
	for {
		task, ok := q.Pop()
		if !ok {
			return
		}
		w.obs.SetGauge(ports.GaugePersistQueue, float64(q.Len()))
		reply(task, w.execute(task))
	}
}

func (w *Worker) execute(task Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			w.count(false)
			err := fmt.Errorf("panic executing %s: %v", task.Kind, r)
			w.obs.LogCritical("persist_task_panic", err)
			res = Result{Code: UnknownError, Err: err}
		}
	}()

	switch task.Kind {
	case StoreOne:
		res = w.storeOne(task.Record)
		w.count(res.OK())
		if res.OK() {
			res.Stored = 1
		}
		return res
	case StoreMany:
		return w.storeMany(task.Records)
	case Cleanup:
		res = w.cleanup(task.MaxAge)
		w.count(res.OK())
		return res
	default:
		w.count(false)
		return Result{Code: InvalidData, Err: fmt.Errorf("unknown task kind %d", task.Kind)}
	}
}

// storeMany writes each record on its own. Only the last failure is reported
// alongside the number stored; callers needing per-record status should use
// StoreOne.
func (w *Worker) storeMany(recs []domain.Record) Result {
	var last Result
	stored := 0
	for _, rec := range recs {
		r := w.storeOne(rec)
		w.count(r.OK())
		if r.OK() {
			stored++
			continue
		}
		last = r
	}
	if stored == len(recs) {
		return Result{Code: Success, Stored: stored}
	}
	return Result{Code: last.Code, Stored: stored, Err: last.Err}
}

func (w *Worker) storeOne(rec domain.Record) Result {
	if rec.HasError() {
		return Result{Code: InvalidData, Err: fmt.Errorf("%s: %w", rec.PointID, domain.ErrInvalidRecord)}
	}
	if rec.SourceID == "" || rec.PointID == "" {
		return Result{Code: InvalidData, Err: fmt.Errorf("record without identity: %w", domain.ErrInvalidRecord)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.policy.OpTimeout)
	defer cancel()
	start := time.Now()
	err := w.store.Put(ctx, rec, w.policy.TTL)
	w.obs.ObserveLatency(ports.LatencyStore, time.Since(start).Seconds())
	if err != nil {
		w.obs.LogError("store_failed", err,
			ports.Field{Key: "source", Value: rec.SourceID},
			ports.Field{Key: "point", Value: rec.PointID})
		return Result{Code: codeFor(err), Err: err}
	}
	return Result{Code: Success}
}

func (w *Worker) cleanup(maxAge time.Duration) Result {
	if maxAge <= 0 {
		return Result{Code: InvalidData, Err: fmt.Errorf("cleanup max age %s", maxAge)}
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.policy.OpTimeout)
	defer cancel()
	removed, err := w.store.PurgeOlderThan(ctx, w.now().Add(-maxAge))
	if err != nil {
		w.obs.LogError("cleanup_failed", err)
		return Result{Code: codeFor(err), Stored: removed, Err: err}
	}
	if removed > 0 {
		w.obs.LogInfo("cleanup_done", ports.Field{Key: "removed", Value: removed})
	}
	return Result{Code: Success, Stored: removed}
}

func (w *Worker) count(ok bool) {
	w.total.Add(1)
	w.obs.IncCounter(ports.MetricStoreOps, 1)
	if ok {
		w.succeeded.Add(1)
		w.obs.IncCounter(ports.MetricStoreSucceeded, 1)
		return
	}
	w.failed.Add(1)
	w.obs.IncCounter(ports.MetricStoreFailed, 1)
}
