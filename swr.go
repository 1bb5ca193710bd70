// Package revalidate implements stale-while-revalidate coordination for
// expensive, rate-limited data sources.
//
// Key Design Points
// -----------------
//   - Every piece of coordination state (value, stored-at time, refresh lock)
//     lives in a shared Store, never in per-process memory.
//   - A stale read returns immediately; at most one refresh per key is in
//     flight, enforced by an atomic Store.Add on the lock key.
//   - The lock has its own lifetime (LockTTL) so a crashed worker cannot
//     starve a key forever, and every refresh path releases it on exit.
//   - Only a cold miss blocks the caller on the callback.
package revalidate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

//--------------------------------------------------
// Configuration
//--------------------------------------------------

// Option configures a Coordinator.
//
// Example:
//
//	c, _ := NewCoordinator(store, logger,
//	    WithLockTTL(45*time.Second),
//	    WithDispatcher(NewDispatcher(queue, nil, logger)),
//	)
type Option func(*Coordinator)

// WithClock sets the clock used for freshness decisions.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLockTTL sets the hard ceiling on a refresh lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

// WithSerializer sets a custom serializer
func WithSerializer(s Serializer) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.serializer = s
		}
	}
}

// WithMetrics sets a custom metrics collector
func WithMetrics(m CacheMetrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithDispatcher sets how background refreshes are run.
func WithDispatcher(d *Dispatcher) Option {
	return func(c *Coordinator) {
		if d != nil {
			c.dispatcher = d
		}
	}
}

// WithBreaker gates refresh callbacks per key.
func WithBreaker(b *Breaker) Option {
	return func(c *Coordinator) {
		c.breaker = b
	}
}

//--------------------------------------------------
// Coordinator
//--------------------------------------------------

// Coordinator wraps a Store with the stale-while-revalidate algorithm.
// All public methods are goroutine-safe.
type Coordinator struct {
	store      Store
	logger     Logger
	clock      Clock
	serializer Serializer
	metrics    CacheMetrics
	dispatcher *Dispatcher
	breaker    *Breaker
	lockTTL    time.Duration

	// sfg coalesces concurrent cold misses within this process. Cross-process
	// misses may still each call the callback once.
	sfg singleflight.Group
}

// NewCoordinator constructs a Coordinator with default parameters overridden
// by opts.
func NewCoordinator(store Store, logger Logger, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if logger == nil {
		return nil, ErrNilLogger
	}

	c := &Coordinator{
		store:      store,
		logger:     logger.Named("Coordinator"),
		clock:      SystemClock(),
		serializer: &JSONSerializer{},
		metrics:    &NoOpMetrics{},
		lockTTL:    DefaultLockTTL,
	}
	for _, o := range opts {
		o(c)
	}
	if c.dispatcher == nil {
		c.dispatcher = NewDispatcher(nil, nil, logger)
	}

	c.logger.Info("Coordinator initialised",
		Duration("lockTTL", c.lockTTL),
		Bool("breaker", c.breaker != nil))

	return c, nil
}

// NewCoordinatorWithConfig creates a Coordinator from a Config.
func NewCoordinatorWithConfig(cfg *Config) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	cfg.SetDefaults()

	return NewCoordinator(cfg.Store, cfg.Logger,
		WithClock(cfg.Clock),
		WithLockTTL(cfg.LockTTL),
		WithSerializer(cfg.Serializer),
		WithMetrics(cfg.Metrics),
		WithDispatcher(cfg.Dispatcher),
		WithBreaker(cfg.Breaker),
	)
}

// Serializer returns the serializer used for cached values.
func (c *Coordinator) Serializer() Serializer {
	return c.serializer
}

const lockSuffix = ":refreshing"

func lockKey(key string) string {
	return key + lockSuffix
}

//--------------------------------------------------
// Public API
//--------------------------------------------------

// Remember returns the best available entry for key.
//
//   - absent: fn runs synchronously, its value is stored for MaxTTL and
//     returned; fn's error is returned as-is.
//   - fresh: the entry is returned with no side effects.
//   - stale: the entry is returned and, if no refresh holds the lock, one
//     background refresh is dispatched. Never fails on this path.
func (c *Coordinator) Remember(ctx context.Context, key CacheKey, fn Callback) (*Entry, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrNilCallback
	}

	scope := Tagged(c.store, key.Tags...)
	entry, err := c.load(ctx, scope, key.Key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.metrics.RecordError(key.Key, err)
		return nil, err
	}

	now := c.clock.Now()
	freshness := Absent
	if entry != nil {
		freshness = entry.Freshness(now, key.StaleTTL, key.MaxTTL)
	}

	switch freshness {
	case Fresh:
		c.logger.Debug("cache hit",
			String("key", key.Key),
			Duration("age", entry.Age(now)))
		c.metrics.RecordHit(key.Key, StatusHit)
		return entry.CloneWithStatus(StatusHit), nil

	case Stale:
		c.logger.Debug("cache stale",
			String("key", key.Key),
			Duration("age", entry.Age(now)),
			Duration("stale_ttl", key.StaleTTL))
		c.metrics.RecordHit(key.Key, StatusStale)
		c.revalidate(ctx, scope, key, fn)
		return entry.CloneWithStatus(StatusStale), nil

	default:
		c.logger.Debug("cache miss", String("key", key.Key))
		c.metrics.RecordMiss(key.Key)
		return c.fill(ctx, scope, key, fn)
	}
}

// RememberInto is Remember followed by decoding the value into out.
func (c *Coordinator) RememberInto(ctx context.Context, key CacheKey, out any, fn Callback) (*Entry, error) {
	entry, err := c.Remember(ctx, key, fn)
	if err != nil {
		return nil, err
	}
	if err := c.serializer.Unmarshal(entry.Value, out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return entry, nil
}

// Refresh unconditionally runs fn and stores its value for maxTTL. It is the
// whole body of a background refresh. The refresh lock for key is released
// on every exit path, including callback failure and panic; fn's error is
// returned after the release.
func (c *Coordinator) Refresh(ctx context.Context, key string, tags []string, maxTTL time.Duration, fn Callback) (*Entry, error) {
	scope := Tagged(c.store, tags...)
	defer c.releaseLock(scope, key)

	if key == "" {
		return nil, fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	if maxTTL <= 0 {
		return nil, fmt.Errorf("%w: max ttl must be positive", ErrInvalidKey)
	}
	if fn == nil {
		return nil, ErrNilCallback
	}

	if c.breaker != nil && !c.breaker.Allow(key) {
		c.logger.Warn("refresh skipped - circuit open", String("key", key))
		c.metrics.RecordError(key, ErrCircuitOpen)
		return nil, ErrCircuitOpen
	}

	entry, err := c.compute(ctx, scope, key, maxTTL, fn)
	if c.breaker != nil {
		c.breaker.Record(key, err)
	}
	if err != nil {
		c.logger.Warn("refresh failed", String("key", key), Error(err))
		return nil, err
	}

	c.metrics.RecordHit(key, StatusRefresh)
	entry.Status = StatusRefresh
	return entry, nil
}

// TriggerRefresh starts a refresh of key regardless of freshness, as a
// "sync now" request would. It returns false when a refresh already holds
// the lock.
func (c *Coordinator) TriggerRefresh(ctx context.Context, key CacheKey, fn Callback) (bool, error) {
	if err := key.validate(); err != nil {
		return false, err
	}
	if fn == nil {
		return false, ErrNilCallback
	}
	return c.tryDispatch(ctx, Tagged(c.store, key.Tags...), key, fn)
}

// Forget removes the entry and the refresh lock for key. Idempotent.
func (c *Coordinator) Forget(ctx context.Context, key string, tags []string) error {
	scope := Tagged(c.store, tags...)
	if err := scope.Delete(ctx, key); err != nil {
		return fmt.Errorf("forget %q: %w", key, err)
	}
	if err := scope.Delete(ctx, lockKey(key)); err != nil {
		return fmt.Errorf("forget %q lock: %w", key, err)
	}
	return nil
}

// Flush invalidates every key stored under any of tags.
func (c *Coordinator) Flush(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return errors.New("flush requires at least one tag")
	}
	return Tagged(c.store, tags...).Flush(ctx)
}

// Status describes a key without side effects.
type Status struct {
	Present    bool
	StoredAt   time.Time
	Age        time.Duration
	Refreshing bool
}

// Status reports whether key has an entry, its age, and whether a refresh
// currently holds the lock.
func (c *Coordinator) Status(ctx context.Context, key string, tags []string) (Status, error) {
	scope := Tagged(c.store, tags...)

	var st Status
	entry, err := c.load(ctx, scope, key)
	switch {
	case err == nil:
		st.Present = true
		st.StoredAt = entry.StoredTime()
		st.Age = entry.Age(c.clock.Now())
	case !errors.Is(err, ErrNotFound):
		return Status{}, err
	}

	_, err = scope.Get(ctx, lockKey(key))
	switch {
	case err == nil:
		st.Refreshing = true
	case !errors.Is(err, ErrNotFound):
		return Status{}, err
	}
	return st, nil
}

// PeekInto decodes the stored value for key into out without side effects:
// no callback runs and no refresh starts. It reports false when nothing is
// stored.
func (c *Coordinator) PeekInto(ctx context.Context, key string, tags []string, out any) (bool, error) {
	entry, err := c.load(ctx, Tagged(c.store, tags...), key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := c.serializer.Unmarshal(entry.Value, out); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// RunJob resolves job through reg and runs Refresh. A job that cannot be
// resolved still releases the key's lock.
func (c *Coordinator) RunJob(ctx context.Context, job RefreshJob, reg *Registry) (*Entry, error) {
	fn, err := reg.Resolve(job.Kind, job.Params)
	if err != nil {
		c.releaseLock(Tagged(c.store, job.Tags...), job.Key)
		c.metrics.RecordError(job.Key, err)
		return nil, err
	}
	return c.Refresh(ctx, job.Key, job.Tags, job.MaxTTL, fn)
}

//--------------------------------------------------
// Internal helpers
//--------------------------------------------------

// load reads and decodes the entry for key. A record that cannot be decoded
// is treated as absent.
func (c *Coordinator) load(ctx context.Context, scope *TaggedStore, key string) (*Entry, error) {
	raw, err := scope.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := entry.Unmarshal(raw); err != nil {
		c.logger.Warn("discarding undecodable cache entry",
			String("key", key),
			Error(err))
		return nil, ErrNotFound
	}
	entry.Key = key
	return &entry, nil
}

// fill handles a cold miss. Concurrent misses in this process share one
// callback; the callback keeps running if the first caller goes away.
func (c *Coordinator) fill(ctx context.Context, scope *TaggedStore, key CacheKey, fn Callback) (*Entry, error) {
	detached := context.WithoutCancel(ctx)
	resCh := c.sfg.DoChan(scope.sfKey(key.Key), func() (any, error) {
		return c.compute(detached, scope, key.Key, key.MaxTTL, fn)
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry).CloneWithStatus(StatusMiss), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// revalidate starts a background refresh for a stale key unless one is
// already running. Failures are logged and never reach the caller.
func (c *Coordinator) revalidate(ctx context.Context, scope *TaggedStore, key CacheKey, fn Callback) {
	if _, err := c.tryDispatch(ctx, scope, key, fn); err != nil {
		c.logger.Warn("background refresh not started",
			String("key", key.Key),
			Error(err))
		c.metrics.RecordError(key.Key, err)
	}
}

// tryDispatch takes the refresh lock with an atomic add and hands the
// refresh to the dispatcher. The lock is released here if dispatch fails.
func (c *Coordinator) tryDispatch(ctx context.Context, scope *TaggedStore, key CacheKey, fn Callback) (bool, error) {
	acquired, err := scope.Add(ctx, lockKey(key.Key), []byte{1}, c.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !acquired {
		c.logger.Debug("skip refresh - already in progress", String("key", key.Key))
		c.metrics.RecordHit(key.Key, "refresh_in_progress")
		return false, nil
	}

	err = c.dispatcher.Dispatch(ctx, key, func(ctx context.Context) {
		if _, err := c.Refresh(ctx, key.Key, key.Tags, key.MaxTTL, fn); err != nil {
			c.logger.Error("background refresh failed",
				String("key", key.Key),
				Error(err))
		}
	})
	if err != nil {
		c.releaseLock(scope, key.Key)
		return false, err
	}
	return true, nil
}

// releaseLock deletes the refresh lock. It does not use the caller's context:
// the release must happen even when that context is already cancelled.
func (c *Coordinator) releaseLock(scope *TaggedStore, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := scope.Delete(ctx, lockKey(key)); err != nil {
		// The lock's own TTL will free the key.
		c.logger.Error("failed to release refresh lock",
			String("key", key),
			Duration("lock_ttl", c.lockTTL),
			Error(err))
		c.metrics.RecordError(key, err)
	}
}

// compute runs fn with panic recovery, serializes its value and writes the
// entry. A failed write is logged and the fresh entry still returned.
func (c *Coordinator) compute(ctx context.Context, scope *TaggedStore, key string, maxTTL time.Duration, fn Callback) (entry *Entry, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
			c.logger.Error("refresh callback panicked",
				String("key", key),
				Any("panic", r),
				Stack(captureStack()))
			c.metrics.RecordError(key, err)
			entry = nil
		}
		c.metrics.RecordLatency(key, time.Since(start))
	}()

	raw, err := fn(ctx)
	if err != nil {
		c.metrics.RecordError(key, err)
		return nil, err
	}

	data, err := c.serializer.Marshal(raw)
	if err != nil {
		c.metrics.RecordError(key, err)
		return nil, fmt.Errorf("serialization failed: %w", err)
	}

	entry = newEntry(key, data, c.clock.Now())
	record, err := entry.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}

	if err := scope.Put(ctx, key, record, maxTTL); err != nil {
		c.logger.Warn("failed to persist cache entry",
			String("key", key),
			Error(err))
		c.metrics.RecordError(key, err)
	}
	return entry, nil
}
