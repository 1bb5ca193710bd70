package revalidate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// ---------- Configuration ----------

// BadgerConfig configures the Badger v4 store backend.
//
// Performance Considerations:
// - Analytics payloads are small and rewritten often; compression is off
// - Sync writes disabled (a lost entry is just a cache miss)
// - Value log GC tuned for write-heavy workloads
type BadgerConfig struct {
	// Storage paths
	Dir      string // Directory for LSM tree and metadata
	ValueDir string // Directory for value log files (can be same as Dir)

	SyncWrites bool

	Compression options.CompressionType

	// Memory and storage tuning
	ValueThreshold int   // Size threshold for storing values in value log vs LSM tree
	MemTableSize   int64 // Size of each memtable before flushing to disk
	BlockCacheSize int64 // Size of block cache for data blocks (0 = disabled)
	IndexCacheSize int64 // Size of block cache for index blocks (0 = disabled)
	NumCompactors  int

	// Garbage collection settings
	GCInterval     time.Duration // How often to run value log GC
	GCDiscardRatio float64       // Minimum ratio of garbage to trigger GC

	// Logger is passed to badger; nil silences it.
	Logger badger.Logger

	// InMemory runs badger without touching disk (tests).
	InMemory bool
}

// DefaultBadgerConfig returns a configuration suited to a cache of analytics
// aggregates.
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{
		Dir:      dir,
		ValueDir: dir,

		SyncWrites:  false,
		Compression: options.None,

		ValueThreshold: 4 << 10,  // 4KB
		MemTableSize:   64 << 20, // 64MB
		BlockCacheSize: 0,
		IndexCacheSize: 0,
		NumCompactors:  max(2, runtime.GOMAXPROCS(0)/2),

		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.7,
	}
}

// badgerLogger routes badger's printf-style output to a Logger.
type badgerLogger struct {
	l Logger
}

// NewBadgerLogger adapts l for BadgerConfig.Logger.
func NewBadgerLogger(l Logger) badger.Logger {
	return badgerLogger{l: l.Named("Badger")}
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// ---------- Implementation ----------

// BadgerStore is a Store backed by Badger. Every handler goroutine of the
// process shares it; key expiry uses Badger's native TTL.
type BadgerStore struct {
	db             *badger.DB
	gcInterval     time.Duration
	gcDiscardRatio float64

	// addMu serializes Add so the presence check and the write are one step.
	// Badger holds an exclusive directory lock, so this covers every caller.
	addMu sync.Mutex

	closeOnce sync.Once
	wg        sync.WaitGroup
	doneCh    chan struct{}
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) a Badger database.
func NewBadgerStore(ctx context.Context, cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.
		DefaultOptions(cfg.Dir).
		WithValueDir(cfg.ValueDir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithCompression(cfg.Compression).
		WithMemTableSize(cfg.MemTableSize).
		WithBlockCacheSize(cfg.BlockCacheSize).
		WithIndexCacheSize(cfg.IndexCacheSize).
		WithValueThreshold(int64(cfg.ValueThreshold)).
		WithNumCompactors(cfg.NumCompactors).
		WithLogger(cfg.Logger)

	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	// Badger.Open is blocking; perform it in a goroutine so ctx can cancel it.
	type openResult struct {
		db  *badger.DB
		err error
	}
	resCh := make(chan openResult, 1)
	go func() {
		db, err := badger.Open(opts)
		resCh <- openResult{db: db, err: err}
	}()

	select {
	case <-ctx.Done():
		// Close the database if it finishes opening after we gave up.
		go func() {
			if r := <-resCh; r.err == nil {
				_ = r.db.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-resCh:
		if r.err != nil {
			return nil, r.err
		}
		st := &BadgerStore{
			db:             r.db,
			gcInterval:     cfg.GCInterval,
			gcDiscardRatio: cfg.GCDiscardRatio,
			doneCh:         make(chan struct{}),
		}
		if !cfg.InMemory && cfg.GCInterval > 0 {
			st.wg.Add(1)
			go st.runValueLogGC()
		}
		return st, nil
	}
}

// Get implements Store.
func (b *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func newBadgerEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// Put implements Store.
func (b *BadgerStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newBadgerEntry(key, value, ttl))
	})
}

// Add implements Store.
func (b *BadgerStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b.addMu.Lock()
	defer b.addMu.Unlock()

	added := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.SetEntry(newBadgerEntry(key, value, ttl)); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// Delete implements Store.
func (b *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close stops value log GC and closes the database.
func (b *BadgerStore) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.doneCh)
		b.wg.Wait()
		err = b.db.Close()
	})
	return err
}

// runValueLogGC runs garbage collection on the Badger value log periodically.
func (b *BadgerStore) runValueLogGC() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Keep rewriting until there is nothing left to reclaim.
			for {
				if err := b.db.RunValueLogGC(b.gcDiscardRatio); err != nil {
					break
				}
			}
		case <-b.doneCh:
			return
		}
	}
}
