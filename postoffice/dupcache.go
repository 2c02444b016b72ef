// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package postoffice

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/fluxmirror/target/mirror"
)

// duplicateIdCache implements mirror.DuplicateIdCache over Badger, so a
// link that reconnects to the same process does not immediately re-accept
// messages it had already deduplicated before the reconnect. Membership
// and insertion order live in two parallel keyspaces: one keyed by message
// id for O(1) Contains, one keyed by a monotonically increasing sequence
// number for O(1) "find the oldest member" during eviction.
type duplicateIdCache struct {
	db       *badger.DB
	ns       string
	capacity int
	seq      *badger.Sequence

	mu   sync.Mutex
	size int
}

// newDuplicateIdCache returns a cache namespaced to ns, backed by db, that
// evicts its oldest member once more than capacity entries have been added.
func newDuplicateIdCache(db *badger.DB, ns string, capacity int) (*duplicateIdCache, error) {
	seq, err := db.GetSequence([]byte("mirror/dupcache/"+ns+"/seq"), uint64(capacity))
	if err != nil {
		return nil, fmt.Errorf("postoffice: allocating duplicate-id sequence: %w", err)
	}
	size, err := countPrefix(db, memberPrefix(ns))
	if err != nil {
		return nil, err
	}
	return &duplicateIdCache{db: db, ns: ns, capacity: capacity, seq: seq, size: size}, nil
}

func memberKey(ns string, id mirror.InternalId) []byte {
	return []byte(fmt.Sprintf("mirror/dupcache/%s/member/%d", ns, int64(id)))
}

func memberPrefix(ns string) []byte {
	return []byte(fmt.Sprintf("mirror/dupcache/%s/member/", ns))
}

func orderKey(ns string, seq uint64) []byte {
	return []byte(fmt.Sprintf("mirror/dupcache/%s/order/%020d", ns, seq))
}

func orderPrefix(ns string) []byte {
	return []byte(fmt.Sprintf("mirror/dupcache/%s/order/", ns))
}

func countPrefix(db *badger.DB, prefix []byte) (int, error) {
	n := 0
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Contains implements mirror.DuplicateIdCache.
func (c *duplicateIdCache) Contains(id mirror.InternalId) bool {
	found := false
	_ = c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(memberKey(c.ns, id))
		found = err == nil
		return nil
	})
	return found
}

// Add implements mirror.DuplicateIdCache: it adds id immediately, visible
// to Contains before tx commits, and registers the undo against tx.
func (c *duplicateIdCache) Add(_ context.Context, id mirror.InternalId, tx mirror.Transaction) {
	if c.Contains(id) {
		return
	}

	seqVal, err := c.seq.Next()
	if err != nil {
		return
	}

	if err := c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(memberKey(c.ns, id), orderKey(c.ns, seqVal)); err != nil {
			return err
		}
		return txn.Set(orderKey(c.ns, seqVal), []byte(fmt.Sprintf("%d", int64(id))))
	}); err != nil {
		return
	}

	c.mu.Lock()
	c.size++
	overCapacity := c.size > c.capacity
	c.mu.Unlock()

	if overCapacity {
		c.evictOldest()
	}

	if tx == nil {
		return
	}
	tx.AddOperationWithRollback(nil, func() {
		_ = c.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(memberKey(c.ns, id)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			return txn.Delete(orderKey(c.ns, seqVal))
		})
		c.mu.Lock()
		c.size--
		c.mu.Unlock()
	})
}

func (c *duplicateIdCache) evictOldest() {
	var oldestOrderKey, oldestMemberValue []byte
	_ = c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = orderPrefix(c.ns)
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		if !it.Valid() {
			return nil
		}
		item := it.Item()
		oldestOrderKey = append([]byte{}, item.Key()...)
		return item.Value(func(val []byte) error {
			oldestMemberValue = append([]byte{}, val...)
			return nil
		})
	})
	if oldestOrderKey == nil {
		return
	}
	_ = c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(oldestOrderKey); err != nil {
			return err
		}
		return txn.Delete(memberKey(c.ns, mirror.InternalId(parseInt64(oldestMemberValue))))
	})
	c.mu.Lock()
	c.size--
	c.mu.Unlock()
}

func parseInt64(b []byte) int64 {
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			continue
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
