package revalidate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Common errors
var (
	// ErrNilLogger is returned when a nil logger is provided
	ErrNilLogger = errors.New("logger cannot be nil")

	// ErrNilStore is returned when a nil store is provided
	ErrNilStore = errors.New("store cannot be nil")

	// ErrInvalidKey is returned when a CacheKey fails validation
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrNilCallback is returned when no refresh callback is supplied
	ErrNilCallback = errors.New("callback cannot be nil")
)

// Callback produces a fresh value for a key. It is the expensive operation the
// Coordinator protects; it may be called synchronously on a miss or from a
// background refresh, so it must be safe to call concurrently for different
// keys.
//
// The Coordinator recovers panics inside the callback and returns them as errors.
// It does not put a deadline on ctx: timeouts belong to the callback's own
// upstream client.
type Callback func(ctx context.Context) (any, error)

// Serializer defines the interface for cache value serialization.
//
// Implementation Guidelines:
// - Should be thread-safe for concurrent use
// - Marshal should handle nil values gracefully
// - Unmarshal should validate input data
type Serializer interface {
	// Marshal converts a Go value to bytes for storage
	Marshal(v any) ([]byte, error)

	// Unmarshal converts stored bytes back to a Go value
	Unmarshal(data []byte, v any) error
}

// CacheMetrics defines the interface for cache observability.
//
// Implementation Guidelines:
// - Methods should be non-blocking and fast
// - Handle nil/invalid inputs gracefully
type CacheMetrics interface {
	// RecordHit tracks cache hit events with status details.
	// Status values: "hit", "stale", "refresh", "refresh_in_progress"
	RecordHit(key string, status string)

	// RecordMiss tracks cache miss events requiring a synchronous fetch.
	RecordMiss(key string)

	// RecordError tracks error events for reliability monitoring.
	RecordError(key string, err error)

	// RecordLatency tracks callback timing for performance analysis.
	RecordLatency(key string, duration time.Duration)
}

// Clock supplies the current time. Tests inject a controllable clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// JobKind names a registered background refresh task. Kinds are resolved
// through a Registry on the worker side, never by reflection.
type JobKind string

// Params carries the extra arguments a background refresh task needs to
// rebuild its callback (for example the number of days to aggregate).
type Params map[string]string

// Int returns the named parameter parsed as an int.
func (p Params) Int(name string) (int, error) {
	raw, ok := p[name]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", name, err)
	}
	return v, nil
}

// Clone returns an independent copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// CacheKey identifies a cached value together with its freshness policy and
// the background job used to refresh it.
//
// The relationship between TTLs:
//   - Fresh period: 0 to StaleTTL (cache returns immediately)
//   - Stale period: StaleTTL to MaxTTL (returns stale value + triggers refresh)
//   - After MaxTTL the store drops the entry and the next read is a miss
type CacheKey struct {
	Key  string
	Tags []string

	StaleTTL time.Duration
	MaxTTL   time.Duration

	// Job selects the durable refresh task. Empty means refresh inline after
	// the current response is flushed.
	Job    JobKind
	Params Params
}

func (k CacheKey) validate() error {
	if k.Key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	if k.StaleTTL <= 0 {
		return fmt.Errorf("%w: stale ttl must be positive, got %v", ErrInvalidKey, k.StaleTTL)
	}
	if k.StaleTTL > k.MaxTTL {
		return fmt.Errorf("%w: stale ttl %v exceeds max ttl %v", ErrInvalidKey, k.StaleTTL, k.MaxTTL)
	}
	return nil
}

// Config provides full configuration for Coordinator initialization.
//
// Usage Patterns:
// - Use SetDefaults() to apply sensible defaults
// - Override specific fields for custom behavior
type Config struct {
	// Core required components
	Store  Store  // Shared key-value store holding entries and locks
	Logger Logger // Structured logger for operations

	Clock      Clock
	Serializer Serializer
	Metrics    CacheMetrics
	Dispatcher *Dispatcher
	Breaker    *Breaker

	// LockTTL bounds how long a refresh lock may be held, independent of how
	// long the refresh callback runs.
	LockTTL time.Duration
}

// DefaultLockTTL is the hard ceiling on a refresh lock.
const DefaultLockTTL = 30 * time.Second

// SetDefaults applies default values to config
func (c *Config) SetDefaults() {
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Serializer == nil {
		c.Serializer = &JSONSerializer{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoOpMetrics{}
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
}
