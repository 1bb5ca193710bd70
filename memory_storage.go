package revalidate

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// MemoryStore is an in-process Store with per-key TTLs and an LRU bound.
// It is shared by every goroutine of a process, which makes it suitable for a
// single-node deployment and for tests; multi-process deployments need a
// store that all processes reach (see RedisStore).
//
// Refresh locks and tag ids live outside the LRU and are never evicted:
// losing a lock would admit a second concurrent refresh, and losing a tag id
// would orphan every entry under the tag. Locks carry a TTL; tag ids do not.
//
// Expired keys are invisible to reads immediately and are removed by a
// periodic sweep so memory stays bounded under churn.
type MemoryStore struct {
	mu     sync.Mutex
	items  *simplelru.LRU[string, memoryItem]
	pinned map[string]memoryItem
	clock  Clock

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock used for TTL checks.
func WithMemoryClock(c Clock) MemoryOption {
	return func(m *MemoryStore) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithSweepInterval sets how often expired keys are purged. Zero disables the
// background sweep.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		m.sweepInterval = d
	}
}

// DefaultMemoryCapacity is the default number of keys a MemoryStore holds
// before evicting the least recently used.
const DefaultMemoryCapacity = 10000

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore holding at most capacity keys.
func NewMemoryStore(capacity int, opts ...MemoryOption) (*MemoryStore, error) {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	items, err := simplelru.NewLRU[string, memoryItem](capacity, nil)
	if err != nil {
		return nil, err
	}

	m := &MemoryStore{
		items:         items,
		pinned:        make(map[string]memoryItem),
		clock:         SystemClock(),
		sweepInterval: 30 * time.Second,
		stopCh:        make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}

	if m.sweepInterval > 0 {
		m.wg.Add(1)
		go m.sweep()
	}
	return m, nil
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		item memoryItem
		ok   bool
	)
	if isPinnedKey(key) {
		item, ok = m.pinned[key]
	} else {
		item, ok = m.items.Get(key)
	}
	if !ok {
		return nil, ErrNotFound
	}
	if item.expired(m.clock.Now()) {
		m.remove(key)
		return nil, ErrNotFound
	}
	return bytes.Clone(item.value), nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.set(key, memoryItem{value: bytes.Clone(value), expiresAt: m.expiry(ttl)})
	return nil
}

// Add implements Store. The presence check and the write happen under one
// lock, so exactly one of any number of concurrent callers wins.
func (m *MemoryStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.peek(key); ok && !item.expired(m.clock.Now()) {
		return false, nil
	}
	m.set(key, memoryItem{value: bytes.Clone(value), expiresAt: m.expiry(ttl)})
	return true, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(key)
	return nil
}

// Len returns the number of keys held, expired or not, pinned keys included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Len() + len(m.pinned)
}

// isPinnedKey reports whether key is a refresh lock or a tag id, which are
// kept out of LRU eviction.
func isPinnedKey(key string) bool {
	return strings.HasSuffix(key, lockSuffix) || strings.HasPrefix(key, tagKeyPrefix)
}

func (m *MemoryStore) peek(key string) (memoryItem, bool) {
	if isPinnedKey(key) {
		item, ok := m.pinned[key]
		return item, ok
	}
	return m.items.Peek(key)
}

func (m *MemoryStore) set(key string, item memoryItem) {
	if isPinnedKey(key) {
		m.pinned[key] = item
		return
	}
	m.items.Add(key, item)
}

func (m *MemoryStore) remove(key string) {
	if isPinnedKey(key) {
		delete(m.pinned, key)
		return
	}
	m.items.Remove(key)
}

// Close stops the background sweep.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
	return nil
}

func (m *MemoryStore) sweep() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.purgeExpired()
		case <-m.stopCh:
			return
		}
	}
}

// purgeExpired removes every expired key in one critical section.
func (m *MemoryStore) purgeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, key := range m.items.Keys() {
		if item, ok := m.items.Peek(key); ok && item.expired(now) {
			m.items.Remove(key)
		}
	}
	for key, item := range m.pinned {
		if item.expired(now) {
			delete(m.pinned, key)
		}
	}
}
