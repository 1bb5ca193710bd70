package revalidate

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaggedStore is a tag-scoped view over a Store. Keys written through it are
// prefixed with a namespace derived from the current id of each tag; flushing
// a tag rotates its id so every key written under the old id becomes
// unreachable at once and is left for the store's TTL to collect.
//
// A TaggedStore with no tags passes keys through unchanged.
type TaggedStore struct {
	store Store
	tags  []string
}

// Tagged returns a view of store scoped to tags. Tag order and duplicates do
// not matter.
func Tagged(store Store, tags ...string) *TaggedStore {
	normalized := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			normalized = append(normalized, t)
		}
	}
	slices.Sort(normalized)
	return &TaggedStore{store: store, tags: slices.Compact(normalized)}
}

// Tags returns the normalized tag set.
func (t *TaggedStore) Tags() []string {
	return slices.Clone(t.tags)
}

// sfKey identifies key within this scope for in-process call coalescing.
func (t *TaggedStore) sfKey(key string) string {
	return strings.Join(t.tags, ",") + "|" + key
}

const tagKeyPrefix = "tag:"

func tagKey(name string) string {
	return tagKeyPrefix + name + ":key"
}

// tagID returns the current id of a tag, creating one if the tag is new.
func (t *TaggedStore) tagID(ctx context.Context, name string) (string, error) {
	raw, err := t.store.Get(ctx, tagKey(name))
	if err == nil {
		return string(raw), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id := uuid.NewString()
	added, err := t.store.Add(ctx, tagKey(name), []byte(id), 0)
	if err != nil {
		return "", err
	}
	if added {
		return id, nil
	}
	// Lost the race to another writer; use theirs.
	raw, err = t.store.Get(ctx, tagKey(name))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (t *TaggedStore) itemKey(ctx context.Context, key string) (string, error) {
	if len(t.tags) == 0 {
		return key, nil
	}
	ids := make([]string, len(t.tags))
	for i, name := range t.tags {
		id, err := t.tagID(ctx, name)
		if err != nil {
			return "", fmt.Errorf("resolve tag %q: %w", name, err)
		}
		ids[i] = id
	}
	sum := sha1.Sum([]byte(strings.Join(ids, "|")))
	return hex.EncodeToString(sum[:]) + ":" + key, nil
}

// Get reads key within the tag scope.
func (t *TaggedStore) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := t.itemKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return t.store.Get(ctx, k)
}

// Put writes key within the tag scope.
func (t *TaggedStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	k, err := t.itemKey(ctx, key)
	if err != nil {
		return err
	}
	return t.store.Put(ctx, k, value, ttl)
}

// Add atomically writes key within the tag scope if it is absent.
func (t *TaggedStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	k, err := t.itemKey(ctx, key)
	if err != nil {
		return false, err
	}
	return t.store.Add(ctx, k, value, ttl)
}

// Delete removes key within the tag scope.
func (t *TaggedStore) Delete(ctx context.Context, key string) error {
	k, err := t.itemKey(ctx, key)
	if err != nil {
		return err
	}
	return t.store.Delete(ctx, k)
}

// Flush invalidates every key written under any of the scope's tags.
func (t *TaggedStore) Flush(ctx context.Context) error {
	for _, name := range t.tags {
		if err := t.store.Put(ctx, tagKey(name), []byte(uuid.NewString()), 0); err != nil {
			return fmt.Errorf("flush tag %q: %w", name, err)
		}
	}
	return nil
}
