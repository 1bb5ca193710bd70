package revalidate

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CircuitState represents the state of a per-key breaker.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Refresh when the key's breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker stops refreshing keys whose callback keeps failing, so a failing
// rate-limited upstream is not hammered by every stale read. After Cooldown a
// single probe is let through; its outcome closes or reopens the breaker.
//
// Breakers are tracked per key in an LRU so the key space stays bounded.
type Breaker struct {
	failureThreshold int
	cooldown         time.Duration
	clock            Clock

	mu   sync.Mutex
	keys *lru.Cache[string, *keyBreaker]
}

type keyBreaker struct {
	failures    int
	lastFailure time.Time
	probing     bool
}

// BreakerConfig holds breaker configuration.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening (default 5)
	Cooldown         time.Duration // Time before a probe is allowed (default 30s)
	MaxKeys          int           // Keys tracked before LRU eviction (default 10000)
	Clock            Clock
}

// NewBreaker creates a per-key breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}

	keys, _ := lru.New[string, *keyBreaker](cfg.MaxKeys)

	return &Breaker{
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		clock:            cfg.Clock,
		keys:             keys,
	}
}

func (b *Breaker) stateLocked(kb *keyBreaker) CircuitState {
	if kb == nil || kb.failures < b.failureThreshold {
		return CircuitClosed
	}
	if b.clock.Now().Sub(kb.lastFailure) >= b.cooldown {
		return CircuitHalfOpen
	}
	return CircuitOpen
}

// Allow reports whether a refresh of key may call its callback. In the
// half-open state only one caller at a time is allowed through.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	kb, _ := b.keys.Get(key)
	switch b.stateLocked(kb) {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if kb.probing {
			return false
		}
		kb.probing = true
		return true
	default:
		return false
	}
}

// Record reports the outcome of a callback allowed by Allow.
func (b *Breaker) Record(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.keys.Remove(key)
		return
	}

	kb, ok := b.keys.Get(key)
	if !ok {
		kb = &keyBreaker{}
		b.keys.Add(key, kb)
	}
	if kb.probing && kb.failures >= b.failureThreshold {
		// A failed probe reopens for a full cooldown.
		kb.failures = b.failureThreshold
	} else {
		kb.failures++
	}
	kb.probing = false
	kb.lastFailure = b.clock.Now()
}

// State returns the current state for key.
func (b *Breaker) State(key string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	kb, _ := b.keys.Peek(key)
	return b.stateLocked(kb)
}

// Reset closes every breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys.Purge()
}
