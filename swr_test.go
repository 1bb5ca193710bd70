package revalidate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(key string) CacheKey {
	return CacheKey{
		Key:      key,
		StaleTTL: time.Minute,
		MaxTTL:   10 * time.Minute,
	}
}

// newTestCoordinator wires a Coordinator to a MockStore, a fake clock and a
// manual deferred runner so background refreshes run only when the test
// says so.
func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *MockStore, *fakeClock, *manualRunner) {
	t.Helper()
	store := NewMockStore()
	clock := newFakeClock()
	runner := &manualRunner{}
	logger := NewTestLogger(t)

	all := append([]Option{
		WithClock(clock),
		WithDispatcher(NewDispatcher(nil, runner, logger)),
	}, opts...)

	c, err := NewCoordinator(store, logger, all...)
	require.NoError(t, err)
	return c, store, clock, runner
}

func decodeString(t *testing.T, c *Coordinator, e *Entry) string {
	t.Helper()
	var s string
	require.NoError(t, c.Serializer().Unmarshal(e.Value, &s))
	return s
}

func TestNewCoordinator_Validation(t *testing.T) {
	_, err := NewCoordinator(nil, NewNoOpLogger())
	assert.ErrorIs(t, err, ErrNilStore)

	_, err = NewCoordinator(NewMockStore(), nil)
	assert.ErrorIs(t, err, ErrNilLogger)

	_, err = NewCoordinatorWithConfig(nil)
	assert.Error(t, err)

	c, err := NewCoordinatorWithConfig(&Config{Store: NewMockStore(), Logger: NewNoOpLogger()})
	require.NoError(t, err)
	assert.Equal(t, DefaultLockTTL, c.lockTTL)
	assert.NotNil(t, c.dispatcher)
}

func TestRemember_InvalidInput(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	fn, _ := countingCallback("v")

	tests := []struct {
		name string
		key  CacheKey
	}{
		{"empty key", CacheKey{StaleTTL: time.Second, MaxTTL: time.Minute}},
		{"zero stale ttl", CacheKey{Key: "k", MaxTTL: time.Minute}},
		{"stale exceeds max", CacheKey{Key: "k", StaleTTL: time.Hour, MaxTTL: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Remember(ctx, tt.key, fn)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}

	_, err := c.Remember(ctx, testKey("k"), nil)
	assert.ErrorIs(t, err, ErrNilCallback)
}

func TestRemember_MissStoresForMaxTTL(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t)
	fn, calls := countingCallback("report")

	key := testKey("report")
	entry, err := c.Remember(context.Background(), key, fn)
	require.NoError(t, err)

	assert.Equal(t, StatusMiss, entry.Status)
	assert.Equal(t, "report", decodeString(t, c, entry))
	assert.Equal(t, int32(1), calls.Load())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Contains(t, store.data, "report")
	assert.Equal(t, key.MaxTTL, store.ttls["report"])
}

func TestRemember_FreshHasNoSideEffects(t *testing.T) {
	metrics := &TestMetrics{}
	c, store, clock, runner := newTestCoordinator(t, WithMetrics(metrics))
	ctx := context.Background()
	fn, calls := countingCallback("v1")
	key := testKey("fresh")

	_, err := c.Remember(ctx, key, fn)
	require.NoError(t, err)
	addsBefore := store.adds.Load()

	clock.Advance(key.StaleTTL) // boundary is still fresh
	entry, err := c.Remember(ctx, key, fn)
	require.NoError(t, err)

	assert.Equal(t, StatusHit, entry.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, runner.Pending())
	assert.Equal(t, addsBefore, store.adds.Load(), "fresh read must not touch the lock")
	assert.Equal(t, int32(1), metrics.GetHits(StatusHit))
	assert.Equal(t, int32(1), metrics.misses.Load())
}

func TestRemember_StaleReturnsOldValueAndRefreshesOnce(t *testing.T) {
	c, _, clock, runner := newTestCoordinator(t)
	ctx := context.Background()
	key := testKey("stale")

	var version atomic.Int32
	fn := func(context.Context) (any, error) {
		return int(version.Add(1)), nil
	}

	_, err := c.Remember(ctx, key, fn)
	require.NoError(t, err)

	clock.Advance(key.StaleTTL + time.Second)
	entry, err := c.Remember(ctx, key, fn)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, entry.Status)

	var v int
	require.NoError(t, c.Serializer().Unmarshal(entry.Value, &v))
	assert.Equal(t, 1, v, "stale read returns the old value")
	assert.Equal(t, 1, runner.Pending())

	st, err := c.Status(ctx, key.Key, nil)
	require.NoError(t, err)
	assert.True(t, st.Refreshing)

	// A second stale read while the refresh is pending does not dispatch.
	_, err = c.Remember(ctx, key, fn)
	require.NoError(t, err)
	assert.Equal(t, 1, runner.Pending())

	runner.Run()
	assert.Equal(t, int32(2), version.Load())

	st, err = c.Status(ctx, key.Key, nil)
	require.NoError(t, err)
	assert.False(t, st.Refreshing, "lock released after refresh")
	assert.Equal(t, time.Duration(0), st.Age)

	entry, err = c.Remember(ctx, key, fn)
	require.NoError(t, err)
	assert.Equal(t, StatusHit, entry.Status)
	require.NoError(t, c.Serializer().Unmarshal(entry.Value, &v))
	assert.Equal(t, 2, v)
}

func TestRemember_ConcurrentStaleReadsDispatchOnce(t *testing.T) {
	c, _, clock, runner := newTestCoordinator(t)
	ctx := context.Background()
	key := testKey("busy")
	fn, calls := countingCallback("v")

	_, err := c.Remember(ctx, key, fn)
	require.NoError(t, err)
	clock.Advance(key.StaleTTL + time.Second)

	const readers = 50
	var wg sync.WaitGroup
	var stale atomic.Int32
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Remember(ctx, key, fn)
			if err == nil && e.Status == StatusStale {
				stale.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(readers), stale.Load())
	assert.Equal(t, 1, runner.Pending())

	runner.Run()
	assert.Equal(t, int32(2), calls.Load())
}

func TestRemember_ConcurrentMissesShareCallback(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	key := testKey("cold")

	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Remember(ctx, key, fn)
			assert.NoError(t, err)
			assert.Equal(t, StatusMiss, e.Status)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestRemember_MissCallerCancelled(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	key := testKey("slow")

	release := make(chan struct{})
	fn := func(ctx context.Context) (any, error) {
		<-release
		return "done", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Remember(ctx, key, fn)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// The callback keeps running for the benefit of later readers.
	close(release)
	require.Eventually(t, func() bool {
		st, err := c.Status(context.Background(), key.Key, nil)
		return err == nil && st.Present
	}, time.Second, 5*time.Millisecond)
}

func TestRemember_MissCallbackError(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t)
	fn := func(context.Context) (any, error) { return nil, errUpstream }

	_, err := c.Remember(context.Background(), testKey("broken"), fn)
	assert.ErrorIs(t, err, errUpstream)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.NotContains(t, store.data, "broken")
}

func TestRemember_ExpiredBeyondMaxTTLIsMiss(t *testing.T) {
	c, _, clock, runner := newTestCoordinator(t)
	ctx := context.Background()
	key := testKey("old")
	fn, calls := countingCallback("v")

	_, err := c.Remember(ctx, key, fn)
	require.NoError(t, err)

	// MockStore does not expire records; age alone decides.
	clock.Advance(key.MaxTTL + time.Second)
	entry, err := c.Remember(ctx, key, fn)
	require.NoError(t, err)

	assert.Equal(t, StatusMiss, entry.Status)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, runner.Pending())
}

func TestRemember_FalsyValuesAreHits(t *testing.T) {
	values := map[string]any{
		"zero":   0,
		"false":  false,
		"empty":  "",
		"nil":    nil,
		"emptyS": []int{},
	}
	for name, value := range values {
		t.Run(name, func(t *testing.T) {
			c, _, _, _ := newTestCoordinator(t)
			ctx := context.Background()
			fn, calls := countingCallback(value)
			key := testKey("falsy:" + name)

			_, err := c.Remember(ctx, key, fn)
			require.NoError(t, err)
			entry, err := c.Remember(ctx, key, fn)
			require.NoError(t, err)

			assert.Equal(t, StatusHit, entry.Status)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestRemember_PutFailureStillReturnsValue(t *testing.T) {
	store := NewMockStore()
	store.setPutErr(errors.New("disk full"))
	logger := NewTestLoggerMock()
	metrics := &TestMetrics{}

	c, err := NewCoordinator(store, logger, WithMetrics(metrics))
	require.NoError(t, err)

	entry, err := c.Remember(context.Background(), testKey("k"), func(context.Context) (any, error) {
		return "computed", nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, entry.Status)
	assert.Equal(t, "computed", decodeString(t, c, entry))
	assert.True(t, logger.Has("warn", "failed to persist cache entry"))
	assert.Equal(t, int32(1), metrics.errors.Load())
}

func TestRemember_CorruptedEntryIsMiss(t *testing.T) {
	store := NewMockStore()
	logger := NewTestLoggerMock()
	c, err := NewCoordinator(store, logger)
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "k", []byte("{not json"), 0))

	fn, calls := countingCallback("v")
	entry, err := c.Remember(context.Background(), testKey("k"), fn)
	require.NoError(t, err)

	assert.Equal(t, StatusMiss, entry.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, logger.Has("warn", "discarding undecodable cache entry"))
}

func TestRemember_StoreReadError(t *testing.T) {
	store := NewMockStore()
	store.getErr = errors.New("connection reset")
	c, err := NewCoordinator(store, NewNoOpLogger())
	require.NoError(t, err)

	fn, calls := countingCallback("v")
	_, err = c.Remember(context.Background(), testKey("k"), fn)
	assert.EqualError(t, err, "connection reset")
	assert.Zero(t, calls.Load())
}

func TestRememberInto(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	type report struct {
		Users int `json:"users"`
	}
	var out report
	entry, err := c.RememberInto(context.Background(), testKey("report"), &out, func(context.Context) (any, error) {
		return report{Users: 42}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, entry.Status)
	assert.Equal(t, 42, out.Users)
}

func TestRefresh_ReleasesLock(t *testing.T) {
	tests := []struct {
		name    string
		fn      Callback
		wantErr string
	}{
		{
			name: "success",
			fn:   func(context.Context) (any, error) { return "ok", nil },
		},
		{
			name:    "failure",
			fn:      func(context.Context) (any, error) { return nil, errUpstream },
			wantErr: errUpstream.Error(),
		},
		{
			name:    "panic",
			fn:      func(context.Context) (any, error) { panic("boom") },
			wantErr: "callback panic: boom",
		},
		{
			name: "cancelled",
			fn: func(ctx context.Context) (any, error) {
				return nil, ctx.Err()
			},
			wantErr: context.Canceled.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store, _, _ := newTestCoordinator(t)
			ctx := context.Background()
			if tt.name == "cancelled" {
				cctx, cancel := context.WithCancel(ctx)
				cancel()
				ctx = cctx
			}

			added, err := store.Add(context.Background(), lockKey("k"), []byte{1}, time.Minute)
			require.NoError(t, err)
			require.True(t, added)

			entry, err := c.Refresh(ctx, "k", nil, time.Hour, tt.fn)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, StatusRefresh, entry.Status)
			} else {
				assert.EqualError(t, err, tt.wantErr)
				assert.Nil(t, entry)
			}

			_, err = store.Get(context.Background(), lockKey("k"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRefresh_InvalidArgumentsReleaseLock(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := store.Add(ctx, lockKey("k"), []byte{1}, time.Minute)
	require.NoError(t, err)

	_, err = c.Refresh(ctx, "k", nil, 0, func(context.Context) (any, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = store.Get(ctx, lockKey("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Refresh(ctx, "k", nil, time.Hour, nil)
	assert.ErrorIs(t, err, ErrNilCallback)
}

func TestRefresh_ReleaseFailureIsLogged(t *testing.T) {
	store := NewMockStore()
	store.delErr = errors.New("store unavailable")
	logger := NewTestLoggerMock()
	c, err := NewCoordinator(store, logger)
	require.NoError(t, err)

	_, err = c.Refresh(context.Background(), "k", nil, time.Hour, func(context.Context) (any, error) {
		return "v", nil
	})
	require.NoError(t, err)
	assert.True(t, logger.Has("error", "failed to release refresh lock"))
}

func TestRefresh_CircuitBreaker(t *testing.T) {
	clock := newFakeClock()
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, Clock: clock})
	c, store, _, _ := newTestCoordinator(t, WithClock(clock), WithBreaker(breaker))
	ctx := context.Background()

	var calls atomic.Int32
	failing := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errUpstream
	}

	for range 2 {
		_, err := c.Refresh(ctx, "k", nil, time.Hour, failing)
		assert.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, CircuitOpen, breaker.State("k"))

	_, err := store.Add(ctx, lockKey("k"), []byte{1}, time.Minute)
	require.NoError(t, err)
	_, err = c.Refresh(ctx, "k", nil, time.Hour, failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())

	_, err = store.Get(ctx, lockKey("k"))
	assert.ErrorIs(t, err, ErrNotFound, "open circuit still releases the lock")

	clock.Advance(time.Minute)
	_, err = c.Refresh(ctx, "k", nil, time.Hour, func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, breaker.State("k"))
}

func TestTriggerRefresh(t *testing.T) {
	c, _, _, runner := newTestCoordinator(t)
	ctx := context.Background()
	key := testKey("sync")
	fn, calls := countingCallback("v")

	started, err := c.TriggerRefresh(ctx, key, fn)
	require.NoError(t, err)
	assert.True(t, started)

	started, err = c.TriggerRefresh(ctx, key, fn)
	require.NoError(t, err)
	assert.False(t, started, "lock already held")

	runner.Run()
	assert.Equal(t, int32(1), calls.Load())

	st, err := c.Status(ctx, key.Key, nil)
	require.NoError(t, err)
	assert.True(t, st.Present)
	assert.False(t, st.Refreshing)

	started, err = c.TriggerRefresh(ctx, key, fn)
	require.NoError(t, err)
	assert.True(t, started)

	_, err = c.TriggerRefresh(ctx, CacheKey{}, fn)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDispatchFailureReleasesLock(t *testing.T) {
	q := &recordingQueue{err: errors.New("broker down")}
	metrics := &TestMetrics{}
	logger := NewTestLoggerMock()
	c, _, clock, _ := newTestCoordinator(t,
		WithMetrics(metrics),
		WithDispatcher(NewDispatcher(q, nil, logger)),
	)
	ctx := context.Background()

	key := testKey("queued")
	key.Job = "report.build"
	fn, _ := countingCallback("v")

	_, err := c.Remember(ctx, key, fn)
	require.NoError(t, err)
	clock.Advance(key.StaleTTL + time.Second)

	entry, err := c.Remember(ctx, key, fn)
	require.NoError(t, err, "stale path never fails")
	assert.Equal(t, StatusStale, entry.Status)

	st, err := c.Status(ctx, key.Key, nil)
	require.NoError(t, err)
	assert.False(t, st.Refreshing)
	assert.Equal(t, int32(1), metrics.errors.Load())

	_, err = c.TriggerRefresh(ctx, key, fn)
	assert.ErrorContains(t, err, "broker down")
}

func TestRunJob(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	reg := NewRegistry()
	require.NoError(t, reg.Register("report.build", func(p Params) (Callback, error) {
		days, err := p.Int("days")
		if err != nil {
			return nil, err
		}
		return func(context.Context) (any, error) { return days * 2, nil }, nil
	}))

	job := RefreshJob{Kind: "report.build", Key: "report:7", MaxTTL: time.Hour, Params: Params{"days": "7"}}
	_, err := store.Add(ctx, lockKey(job.Key), []byte{1}, time.Minute)
	require.NoError(t, err)

	entry, err := c.RunJob(ctx, job, reg)
	require.NoError(t, err)
	var v int
	require.NoError(t, c.Serializer().Unmarshal(entry.Value, &v))
	assert.Equal(t, 14, v)

	_, err = store.Get(ctx, lockKey(job.Key))
	assert.ErrorIs(t, err, ErrNotFound)

	t.Run("unknown kind releases lock", func(t *testing.T) {
		unknown := RefreshJob{Kind: "nope", Key: "other", MaxTTL: time.Hour}
		_, err := store.Add(ctx, lockKey(unknown.Key), []byte{1}, time.Minute)
		require.NoError(t, err)

		_, err = c.RunJob(ctx, unknown, reg)
		assert.ErrorIs(t, err, ErrUnknownJob)

		_, err = store.Get(ctx, lockKey(unknown.Key))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("bad params releases lock", func(t *testing.T) {
		bad := RefreshJob{Kind: "report.build", Key: "report:x", MaxTTL: time.Hour, Params: Params{"days": "x"}}
		_, err := store.Add(ctx, lockKey(bad.Key), []byte{1}, time.Minute)
		require.NoError(t, err)

		_, err = c.RunJob(ctx, bad, reg)
		assert.Error(t, err)

		_, err = store.Get(ctx, lockKey(bad.Key))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestForget(t *testing.T) {
	c, _, clock, _ := newTestCoordinator(t)
	ctx := context.Background()
	key := testKey("gone")
	fn, calls := countingCallback("v")

	_, err := c.Remember(ctx, key, fn)
	require.NoError(t, err)
	clock.Advance(key.StaleTTL + time.Second)
	_, err = c.Remember(ctx, key, fn) // takes the lock
	require.NoError(t, err)

	require.NoError(t, c.Forget(ctx, key.Key, nil))
	require.NoError(t, c.Forget(ctx, key.Key, nil), "forget is idempotent")

	st, err := c.Status(ctx, key.Key, nil)
	require.NoError(t, err)
	assert.False(t, st.Present)
	assert.False(t, st.Refreshing)

	entry, err := c.Remember(ctx, key, fn)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, entry.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFlushByTag(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	a := testKey("a")
	a.Tags = []string{"analytics"}
	b := testKey("b")
	b.Tags = []string{"billing"}

	fnA, callsA := countingCallback("a")
	fnB, callsB := countingCallback("b")
	for _, step := range []struct {
		key CacheKey
		fn  Callback
	}{{a, fnA}, {b, fnB}} {
		_, err := c.Remember(ctx, step.key, step.fn)
		require.NoError(t, err)
	}

	require.NoError(t, c.Flush(ctx, "analytics"))
	assert.Error(t, c.Flush(ctx))

	e, err := c.Remember(ctx, a, fnA)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, e.Status)

	e, err = c.Remember(ctx, b, fnB)
	require.NoError(t, err)
	assert.Equal(t, StatusHit, e.Status)

	assert.Equal(t, int32(2), callsA.Load())
	assert.Equal(t, int32(1), callsB.Load())
}

func TestStatus(t *testing.T) {
	c, _, clock, _ := newTestCoordinator(t)
	ctx := context.Background()
	key := testKey("status")

	st, err := c.Status(ctx, key.Key, nil)
	require.NoError(t, err)
	assert.Equal(t, Status{}, st)

	stored := clock.Now()
	fn, _ := countingCallback("v")
	_, err = c.Remember(ctx, key, fn)
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	st, err = c.Status(ctx, key.Key, nil)
	require.NoError(t, err)
	assert.True(t, st.Present)
	assert.Equal(t, 90*time.Second, st.Age)
	assert.True(t, st.StoredAt.Equal(stored))
	assert.False(t, st.Refreshing)
}

// TestAnalyticsAggregateScenario walks a 30-day aggregate through its whole
// lifecycle with a five minute stale window, a one hour retention and a
// durable refresh job.
func TestAnalyticsAggregateScenario(t *testing.T) {
	q := &recordingQueue{}
	clock := newFakeClock()
	logger := NewTestLogger(t)
	store := NewMockStore()

	c, err := NewCoordinator(store, logger,
		WithClock(clock),
		WithDispatcher(NewDispatcher(q, &manualRunner{}, logger)),
	)
	require.NoError(t, err)
	ctx := context.Background()

	key := CacheKey{
		Key:      "ga:agg:30",
		Tags:     []string{"analytics"},
		StaleTTL: 300 * time.Second,
		MaxTTL:   3600 * time.Second,
		Job:      "analytics.aggregate",
		Params:   Params{"days": "30"},
	}
	fn, calls := countingCallback(map[string]int{"users": 100})

	// t=0: cold miss runs the callback synchronously.
	entry, err := c.Remember(ctx, key, fn)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, entry.Status)
	assert.Equal(t, int32(1), calls.Load())

	// t=120s: fresh, nothing enqueued.
	clock.Advance(120 * time.Second)
	entry, err = c.Remember(ctx, key, fn)
	require.NoError(t, err)
	assert.Equal(t, StatusHit, entry.Status)
	assert.Empty(t, q.Jobs())

	// t=400s: stale, exactly one job.
	clock.Advance(280 * time.Second)
	entry, err = c.Remember(ctx, key, fn)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, entry.Status)

	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobKind("analytics.aggregate"), jobs[0].Kind)
	assert.Equal(t, "ga:agg:30", jobs[0].Key)
	assert.Equal(t, []string{"analytics"}, jobs[0].Tags)
	assert.Equal(t, 3600*time.Second, jobs[0].MaxTTL)
	assert.Equal(t, Params{"days": "30"}, jobs[0].Params)
	assert.NotEmpty(t, jobs[0].ID)

	// t=401s: lock held, no second job.
	clock.Advance(time.Second)
	entry, err = c.Remember(ctx, key, fn)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, entry.Status)
	assert.Len(t, q.Jobs(), 1)
	assert.Equal(t, int32(1), calls.Load(), "stale reads never call the callback")

	// The worker runs the job; the next read is fresh again.
	reg := NewRegistry()
	require.NoError(t, reg.Register("analytics.aggregate", func(Params) (Callback, error) {
		return fn, nil
	}))
	_, err = c.RunJob(ctx, jobs[0], reg)
	require.NoError(t, err)

	entry, err = c.Remember(ctx, key, fn)
	require.NoError(t, err)
	assert.Equal(t, StatusHit, entry.Status)

	st, err := c.Status(ctx, key.Key, key.Tags)
	require.NoError(t, err)
	assert.False(t, st.Refreshing)
	assert.Zero(t, st.Age)
}

func TestPeekInto(t *testing.T) {
	c, store, clock, runner := newTestCoordinator(t)
	ctx := context.Background()
	key := testKey("peek")
	key.Tags = []string{"reports"}

	var out []int
	found, err := c.PeekInto(ctx, key.Key, key.Tags, &out)
	require.NoError(t, err)
	assert.False(t, found)

	fn, calls := countingCallback([]int{1, 2, 3})
	_, err = c.Remember(ctx, key, fn)
	require.NoError(t, err)
	addsBefore := store.adds.Load()

	clock.Advance(key.StaleTTL + time.Second)
	found, err = c.PeekInto(ctx, key.Key, key.Tags, &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []int{1, 2, 3}, out)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, runner.Pending(), "peeking a stale entry starts no refresh")
	assert.Equal(t, addsBefore, store.adds.Load())

	var wrong map[string]int
	_, err = c.PeekInto(ctx, key.Key, key.Tags, &wrong)
	assert.Error(t, err)
}

// A refresh that outlives LockTTL releases the lock by key, not by owner, so
// it also frees a lock taken after its own expired.
func TestRefresh_OverrunReleasesByKey(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := store.Add(ctx, lockKey("slow"), []byte{1}, DefaultLockTTL)
	require.NoError(t, err)

	_, err = c.Refresh(ctx, "slow", nil, time.Hour, func(context.Context) (any, error) {
		// The first lock expires and a second refresh takes a new one.
		require.NoError(t, store.Delete(ctx, lockKey("slow")))
		ok, err := store.Add(ctx, lockKey("slow"), []byte{2}, DefaultLockTTL)
		require.NoError(t, err)
		require.True(t, ok)
		return "v", nil
	})
	require.NoError(t, err)

	_, err = store.Get(ctx, lockKey("slow"))
	assert.ErrorIs(t, err, ErrNotFound)
}
