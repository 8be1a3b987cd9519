// Package txcache deduplicates transaction envelopes seen via gossip. The
// original implementation kept every possible 32-bit hash prefix in a
// preallocated 4-billion-entry bit array (see
// original_source/rekt/src/eth/transactions/cache.rs); this is that same
// "have we already relayed this one" check, sized instead, backed by a
// bounded LRU so memory stays proportional to the working set of recently
// gossiped transactions rather than the full hash space.
package txcache

import (
	"github.com/hashicorp/golang-lru/v2"

	"github.com/eth2030/eth2030/eth"
)

// DefaultCapacity bounds the number of distinct envelope hashes retained.
// Past this, the least recently seen hash is evicted to make room for a new
// one; an evicted-then-regossiped transaction is simply forwarded again,
// which only costs a redundant observer callback, never correctness.
const DefaultCapacity = 1 << 17 // 131072

// Cache deduplicates transaction envelopes by Keccak-256 hash. A zero Cache
// is not usable; construct one with New.
type Cache struct {
	seen *lru.Cache[eth.Hash, eth.TxKind]
}

// New creates a Cache bounded to capacity distinct hashes. Capacity <= 0
// falls back to DefaultCapacity.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New[eth.Hash, eth.TxKind](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{seen: c}, nil
}

// Insert records the envelope's hash, returning true if it had already been
// seen (in which case the caller should not re-relay it) and its classified
// kind. The raw envelope is hashed but never retained.
func (c *Cache) Insert(raw []byte) (kind eth.TxKind, alreadySeen bool, err error) {
	kind, err = eth.TxKindOf(raw)
	if err != nil {
		return 0, false, err
	}
	hash := eth.TxHash(raw)
	if _, ok := c.seen.Get(hash); ok {
		return kind, true, nil
	}
	c.seen.Add(hash, kind)
	return kind, false, nil
}

// Has reports whether the envelope's hash is already present, without
// inserting it.
func (c *Cache) Has(raw []byte) bool {
	_, ok := c.seen.Get(eth.TxHash(raw))
	return ok
}

// Len returns the number of distinct hashes currently retained.
func (c *Cache) Len() int { return c.seen.Len() }

// Purge clears every entry.
func (c *Cache) Purge() { c.seen.Purge() }
