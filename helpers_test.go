package revalidate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// NewTestLogger creates a zap-backed logger that writes to the test log.
func NewTestLogger(t *testing.T) Logger {
	adapter, _ := NewZapAdapter(zaptest.NewLogger(t))
	return adapter
}

// TestLoggerMock captures log calls. Safe for concurrent use.
type TestLoggerMock struct {
	mu    sync.Mutex
	calls map[string][]LogCall
}

// LogCall represents a single log method call.
type LogCall struct {
	Message string
	Fields  []Field
}

func NewTestLoggerMock() *TestLoggerMock {
	return &TestLoggerMock{calls: make(map[string][]LogCall)}
}

func (m *TestLoggerMock) record(level, msg string, fields []Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[level] = append(m.calls[level], LogCall{Message: msg, Fields: fields})
}

func (m *TestLoggerMock) Debug(msg string, fields ...Field) { m.record("debug", msg, fields) }
func (m *TestLoggerMock) Info(msg string, fields ...Field)  { m.record("info", msg, fields) }
func (m *TestLoggerMock) Warn(msg string, fields ...Field)  { m.record("warn", msg, fields) }
func (m *TestLoggerMock) Error(msg string, fields ...Field) { m.record("error", msg, fields) }

// Named returns the same instance so captures are shared.
func (m *TestLoggerMock) Named(string) Logger { return m }

// Has reports whether msg was logged at level.
func (m *TestLoggerMock) Has(level, msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls[level] {
		if c.Message == msg {
			return true
		}
	}
	return false
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MockStore is a map-backed Store with injectable failures. TTLs are
// recorded, not enforced.
type MockStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
	putErr error
	addErr error
	delErr error
	adds   atomic.Int32
}

func NewMockStore() *MockStore {
	return &MockStore{
		data: make(map[string][]byte),
		ttls: make(map[string]time.Duration),
	}
}

func (m *MockStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.data[key] = append([]byte(nil), value...)
	m.ttls[key] = ttl
	return nil
}

func (m *MockStore) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adds.Add(1)
	if m.addErr != nil {
		return false, m.addErr
	}
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = append([]byte(nil), value...)
	m.ttls[key] = ttl
	return true, nil
}

func (m *MockStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return m.delErr
	}
	delete(m.data, key)
	delete(m.ttls, key)
	return nil
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) setPutErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

// TestMetrics implements CacheMetrics for testing
type TestMetrics struct {
	hits   sync.Map // map[string]*atomic.Int32
	misses atomic.Int32
	errors atomic.Int32
}

func (t *TestMetrics) RecordHit(_ string, status string) {
	val, _ := t.hits.LoadOrStore(status, &atomic.Int32{})
	val.(*atomic.Int32).Add(1)
}

func (t *TestMetrics) RecordMiss(string) {
	t.misses.Add(1)
}

func (t *TestMetrics) RecordError(_ string, err error) {
	if err != nil {
		t.errors.Add(1)
	}
}

func (t *TestMetrics) RecordLatency(string, time.Duration) {}

func (t *TestMetrics) GetHits(status string) int32 {
	val, ok := t.hits.Load(status)
	if !ok {
		return 0
	}
	return val.(*atomic.Int32).Load()
}

// recordingQueue is a JobQueue that keeps every job it is given.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []RefreshJob
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job RefreshJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Jobs() []RefreshJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]RefreshJob(nil), q.jobs...)
}

// manualRunner holds deferred functions until Run is called, like a request
// whose response has not been flushed yet.
type manualRunner struct {
	mu  sync.Mutex
	fns []func()
}

func (r *manualRunner) AfterResponse(_ context.Context, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns = append(r.fns, fn)
}

func (r *manualRunner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

func (r *manualRunner) Run() {
	r.mu.Lock()
	fns := r.fns
	r.fns = nil
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

var errUpstream = errors.New("upstream failed")

// countingCallback returns value and counts its invocations.
func countingCallback(value any) (Callback, *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context) (any, error) {
		calls.Add(1)
		return value, nil
	}, &calls
}
