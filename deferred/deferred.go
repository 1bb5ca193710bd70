// Package deferred runs work after an HTTP response has been sent.
//
// Middleware attaches a Runner to each request context. Handlers (or the
// revalidate Dispatcher, through ContextRunner) queue functions on it; once
// the handler returns the response is flushed and the queued functions run
// in order on a background goroutine. The client never waits for them.
package deferred

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/aiagentinc/revalidate"
)

type contextKey string

const runnerKey contextKey = "deferred_runner"

type runnerState int

const (
	statePending runnerState = iota
	stateDraining
	stateDone
)

// Runner collects functions to run after the response for one request.
type Runner struct {
	mu     sync.Mutex
	fns    []func()
	state  runnerState
	logger revalidate.Logger
	wg     *sync.WaitGroup
}

// Add queues fn. Functions added while the runner is draining run after the
// ones queued before them; once the runner is done, fn starts on its own
// goroutine.
func (r *Runner) Add(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	if r.state != stateDone {
		r.fns = append(r.fns, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runOne(fn)
	}()
}

// Len returns the number of functions waiting to run.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

// AfterResponse implements revalidate.DeferredRunner.
func (r *Runner) AfterResponse(_ context.Context, fn func()) {
	r.Add(fn)
}

func (r *Runner) next() (func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fns) == 0 {
		r.state = stateDone
		return nil, false
	}
	fn := r.fns[0]
	r.fns = r.fns[1:]
	return fn, true
}

// drain runs queued functions until none are left. A panicking function is
// logged and does not stop the ones after it.
func (r *Runner) drain() {
	for {
		fn, ok := r.next()
		if !ok {
			return
		}
		r.runOne(fn)
	}
}

func (r *Runner) runOne(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("deferred function panicked",
				revalidate.Any("panic", p),
				revalidate.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

// Middleware installs a Runner on every request and drains it after the
// handler returns.
type Middleware struct {
	logger revalidate.Logger
	wg     sync.WaitGroup
}

// New creates the middleware. A nil logger discards panics.
func New(logger revalidate.Logger) *Middleware {
	if logger == nil {
		logger = revalidate.NewNoOpLogger()
	}
	return &Middleware{logger: logger.Named("Deferred")}
}

// Handler wraps next. It has the chi middleware signature. Queued functions
// run even when next panics; the panic still propagates to outer middleware.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runner := &Runner{logger: m.logger, wg: &m.wg}
		ctx := context.WithValue(r.Context(), runnerKey, runner)

		completed := false
		defer func() { m.finish(w, runner, completed) }()

		next.ServeHTTP(w, r.WithContext(ctx))
		completed = true
	})
}

// finish starts draining runner. The response is flushed only when the
// handler returned normally; after a panic the outer recoverer still owns it.
func (m *Middleware) finish(w http.ResponseWriter, runner *Runner, completed bool) {
	runner.mu.Lock()
	if len(runner.fns) == 0 {
		runner.state = stateDone
		runner.mu.Unlock()
		return
	}
	runner.state = stateDraining
	runner.mu.Unlock()

	if f, ok := w.(http.Flusher); ok && completed {
		f.Flush()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runner.drain()
	}()
}

// Wait blocks until every drain started by the middleware has finished or ctx
// is done. Call it during shutdown after the HTTP server has stopped.
func (m *Middleware) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("deferred work still running"), ctx.Err())
	}
}

// FromContext returns the request's Runner, if the middleware installed one.
func FromContext(ctx context.Context) (*Runner, bool) {
	r, ok := ctx.Value(runnerKey).(*Runner)
	return r, ok
}

// ContextRunner implements revalidate.DeferredRunner by queuing on the Runner
// found in the context passed to AfterResponse. Outside a request it hands the
// function to Fallback.
type ContextRunner struct {
	Fallback revalidate.DeferredRunner
}

var _ revalidate.DeferredRunner = (*ContextRunner)(nil)

// NewContextRunner falls back to a revalidate.GoRunner.
func NewContextRunner() *ContextRunner {
	return &ContextRunner{Fallback: &revalidate.GoRunner{}}
}

func (c *ContextRunner) AfterResponse(ctx context.Context, fn func()) {
	if r, ok := FromContext(ctx); ok {
		r.Add(fn)
		return
	}
	c.Fallback.AfterResponse(ctx, fn)
}
