// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package postoffice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/fluxmirror/target/mirror"
)

// PagedStore is the Badger-backed, durable record of every message a Queue
// has accepted but not yet acknowledged. It is the collaborator behind
// mirror.PagedScanner: a Stage 2 ack escalates to it only after the
// in-memory direct index and a forced flush both miss, so a full scan here
// is rare on the hot path and its cost is acceptable.
type PagedStore struct {
	db    *badger.DB
	queue string
}

// NewPagedStore returns a PagedStore for one queue backed by db.
func NewPagedStore(db *badger.DB, queue string) *PagedStore {
	return &PagedStore{db: db, queue: queue}
}

// Put durably records that msg is now owned by this queue.
func (p *PagedStore) Put(origin mirror.OriginId, id mirror.InternalId, payload []byte, props map[string]string) error {
	rec := storedMessage{Origin: string(origin), InternalID: int64(id), Payload: payload, Properties: props}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postoffice: marshaling paged record: %w", err)
	}
	key := pagedKey(p.queue, string(origin), int64(id))
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Remove durably forgets a message, called once it has been acknowledged
// or expired at any stage.
func (p *PagedStore) Remove(origin mirror.OriginId, id mirror.InternalId) error {
	key := pagedKey(p.queue, string(origin), int64(id))
	return p.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// ScanAck implements mirror.PagedScanner. It iterates the queue's durable
// records in key order — which, by construction of pagedKey, groups
// entries by origin and orders each origin's entries by ascending internal
// id — calling cmp on each until cmp reports a match or that the scan has
// passed where a match would be.
func (p *PagedStore) ScanAck(ctx context.Context, cmp func(entry mirror.PagedEntry) int) (mirror.PagedEntry, bool, error) {
	var (
		found   *messageRef
		matched bool
	)

	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pagedPrefix(p.queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var rec storedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("postoffice: decoding paged record: %w", err)
			}

			ref := &messageRef{origin: mirror.OriginId(rec.Origin), id: mirror.InternalId(rec.InternalID)}
			switch cmp(ref) {
			case 0:
				found, matched = ref, true
				return nil
			case 1:
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !matched {
		return nil, false, nil
	}
	if err := p.Remove(found.origin, found.id); err != nil {
		return nil, false, fmt.Errorf("postoffice: removing matched paged record: %w", err)
	}
	return found, true, nil
}
