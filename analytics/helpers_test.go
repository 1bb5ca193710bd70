package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aiagentinc/revalidate"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// heldRunner keeps deferred refreshes until Run, standing in for "after the
// response has been sent".
type heldRunner struct {
	mu  sync.Mutex
	fns []func()
}

func (r *heldRunner) AfterResponse(_ context.Context, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns = append(r.fns, fn)
}

func (r *heldRunner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

func (r *heldRunner) Run() {
	r.mu.Lock()
	fns := r.fns
	r.fns = nil
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// failingSource returns err from every call.
type failingSource struct {
	err error
}

func (f failingSource) Aggregate(context.Context, int) (*Aggregate, error) { return nil, f.err }
func (f failingSource) History(context.Context, int) (*History, error)     { return nil, f.err }

func sampleData() (Aggregate, History) {
	return Aggregate{
			Properties: []PropertyStats{
				{PropertyID: "properties/1", Name: "Main", Users: 100, Sessions: 150, Pageviews: 400},
				{PropertyID: "properties/2", Name: "Docs", Users: 50, Sessions: 60, Pageviews: 90},
				{PropertyID: "properties/3", Name: "Blog", Users: 10, Sessions: 12, Pageviews: 20},
			},
		}, History{
			Points: []HistoryPoint{
				{Date: "2025-02-27", Users: 20},
				{Date: "2025-02-28", Users: 25},
			},
		}
}

type testEnv struct {
	svc    *Service
	coord  *revalidate.Coordinator
	clock  *testClock
	runner *heldRunner
}

func newTestEnv(t *testing.T, source Source) *testEnv {
	t.Helper()
	logger, err := revalidate.NewZapAdapter(zaptest.NewLogger(t))
	require.NoError(t, err)

	store, err := revalidate.NewMemoryStore(100, revalidate.WithSweepInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	runner := &heldRunner{}
	coord, err := revalidate.NewCoordinator(store, logger,
		revalidate.WithClock(clock),
		revalidate.WithDispatcher(revalidate.NewDispatcher(nil, runner, logger)),
	)
	require.NoError(t, err)

	svc, err := NewService(coord, source, Options{Logger: logger})
	require.NoError(t, err)

	return &testEnv{svc: svc, coord: coord, clock: clock, runner: runner}
}
