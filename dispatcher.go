package revalidate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RefreshJob is the durable description of a background refresh. It carries
// everything a worker in another process needs to rebuild the callback
// (through a Registry) and run Coordinator.Refresh.
type RefreshJob struct {
	ID         string        `json:"id"`
	Kind       JobKind       `json:"kind"`
	Key        string        `json:"key"`
	Tags       []string      `json:"tags"`
	MaxTTL     time.Duration `json:"max_ttl"`
	Params     Params        `json:"params,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// EncodeJob serializes a job for a queue transport.
func EncodeJob(job RefreshJob) ([]byte, error) {
	return jsonFast.Marshal(job)
}

// DecodeJob parses a job produced by EncodeJob.
func DecodeJob(data []byte) (RefreshJob, error) {
	var job RefreshJob
	if err := jsonFast.Unmarshal(data, &job); err != nil {
		return RefreshJob{}, fmt.Errorf("decode refresh job: %w", err)
	}
	if job.Key == "" || job.Kind == "" {
		return RefreshJob{}, fmt.Errorf("decode refresh job: missing key or kind")
	}
	return job, nil
}

// JobQueue enqueues durable background work.
type JobQueue interface {
	Enqueue(ctx context.Context, job RefreshJob) error
}

// DeferredRunner schedules fn to run after the current response has been
// flushed, within the same process.
type DeferredRunner interface {
	AfterResponse(ctx context.Context, fn func())
}

// GoRunner runs deferred work on a detached goroutine right away. It is the
// fallback when no request-scoped runner is available; like every inline
// path it is lost if the process exits first, so production deployments
// should refresh through a JobQueue.
type GoRunner struct {
	wg sync.WaitGroup
}

// AfterResponse implements DeferredRunner.
func (g *GoRunner) AfterResponse(_ context.Context, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait blocks until every function started by g has returned.
func (g *GoRunner) Wait() {
	g.wg.Wait()
}

// RefreshTaskFactory rebuilds the callback for a job kind from its params.
type RefreshTaskFactory func(params Params) (Callback, error)

// ErrUnknownJob is returned when a job kind has no registered factory.
var ErrUnknownJob = errors.New("unknown refresh job kind")

// Registry maps job kinds to the factories that rebuild their callbacks.
type Registry struct {
	mu        sync.RWMutex
	factories map[JobKind]RefreshTaskFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[JobKind]RefreshTaskFactory)}
}

// Register adds a factory. Registering the same kind twice is an error.
func (r *Registry) Register(kind JobKind, factory RefreshTaskFactory) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("register job: kind and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("register job: %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Resolve builds the callback for a job.
func (r *Registry) Resolve(kind JobKind, params Params) (Callback, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, kind)
	}
	return factory(params)
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobKind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatcher decides how a background refresh runs: as a durable job when
// the key names one and a queue is configured, otherwise inline after the
// current response is flushed.
type Dispatcher struct {
	queue    JobQueue
	deferred DeferredRunner
	logger   Logger
	clock    Clock
}

// NewDispatcher creates a dispatcher. Either argument may be nil: without a
// queue every refresh runs inline; without a deferred runner inline refreshes
// run on a GoRunner.
func NewDispatcher(queue JobQueue, deferred DeferredRunner, logger Logger) *Dispatcher {
	if deferred == nil {
		deferred = &GoRunner{}
	}
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &Dispatcher{
		queue:    queue,
		deferred: deferred,
		logger:   logger.Named("Dispatcher"),
		clock:    SystemClock(),
	}
}

// Dispatch arranges for exactly one refresh of key. inline is the complete
// fetch-store-unlock sequence for the non-job path; it must release the lock
// itself. When Dispatch returns an error nothing was scheduled and the
// caller still owns the lock.
func (d *Dispatcher) Dispatch(ctx context.Context, key CacheKey, inline func(context.Context)) error {
	if key.Job != "" && d.queue != nil {
		job := RefreshJob{
			ID:         uuid.NewString(),
			Kind:       key.Job,
			Key:        key.Key,
			Tags:       key.Tags,
			MaxTTL:     key.MaxTTL,
			Params:     key.Params.Clone(),
			EnqueuedAt: d.clock.Now(),
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue %s job for %q: %w", key.Job, key.Key, err)
		}
		d.logger.Debug("refresh job enqueued",
			String("key", key.Key),
			String("job", string(key.Job)),
			String("job_id", job.ID))
		return nil
	}

	// The refresh outlives the request: keep ctx values, drop its cancellation.
	detached := context.WithoutCancel(ctx)
	d.deferred.AfterResponse(ctx, func() {
		inline(detached)
	})
	d.logger.Debug("inline refresh deferred", String("key", key.Key))
	return nil
}
