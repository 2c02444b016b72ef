// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package postoffice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/fluxmirror/target/mirror"
)

// Office is the concrete mirror.PostOffice. Address and queue topology
// lives in memory, guarded by mu; message bodies, paged acknowledgement
// state and duplicate-id membership persist to Badger through db.
type Office struct {
	db  *badger.DB
	log *slog.Logger

	storage *storageLayer

	mu        sync.RWMutex
	addresses map[string]mirror.AddressInfo
	queues    map[string]*Queue
	bindings  map[string]map[string]mirror.Binding // address -> queue name -> binding
	caches    map[string]*duplicateIdCache

	idSeq *badger.Sequence
}

// Open returns an Office backed by the Badger database at dir. Pass
// inMemory true for a throwaway instance (used by tests and by a mirror
// target run without a configured data directory).
func Open(dir string, inMemory bool, log *slog.Logger) (*Office, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("postoffice: opening badger database: %w", err)
	}

	idSeq, err := db.GetSequence([]byte("mirror/message-id-seq"), 256)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postoffice: allocating message-id sequence: %w", err)
	}

	return &Office{
		db:        db,
		log:       log,
		storage:   newStorageLayer(),
		addresses: make(map[string]mirror.AddressInfo),
		queues:    make(map[string]*Queue),
		bindings:  make(map[string]map[string]mirror.Binding),
		caches:    make(map[string]*duplicateIdCache),
		idSeq:     idSeq,
	}, nil
}

// Close releases every resource Open acquired, including the queues'
// background promotion loops.
func (o *Office) Close() error {
	o.mu.Lock()
	for _, q := range o.queues {
		q.Close()
	}
	o.mu.Unlock()

	o.storage.Close()
	_ = o.idSeq.Release()
	return o.db.Close()
}

// AddAddress implements mirror.Registry.
func (o *Office) AddAddress(_ context.Context, info mirror.AddressInfo) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.addresses[info.Name]; ok {
		return mirror.NewAlreadyExistsError(fmt.Sprintf("%s: %s", ErrAddressExists, info.Name))
	}
	o.addresses[info.Name] = info
	o.bindings[info.Name] = make(map[string]mirror.Binding)
	return nil
}

// DeleteAddress implements mirror.Registry.
func (o *Office) DeleteAddress(_ context.Context, info mirror.AddressInfo) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.addresses[info.Name]; !ok {
		return mirror.NewNotFoundError(fmt.Sprintf("%s: %s", ErrAddressNotFound, info.Name))
	}
	delete(o.addresses, info.Name)
	delete(o.bindings, info.Name)
	return nil
}

// CreateQueue implements mirror.Registry.
func (o *Office) CreateQueue(_ context.Context, cfg mirror.QueueConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.queues[cfg.Name]; ok {
		return mirror.NewAlreadyExistsError(fmt.Sprintf("%s: %s", ErrQueueExists, cfg.Name))
	}
	q := NewQueue(cfg.Name, cfg.Address, NewPagedStore(o.db, cfg.Name), o.log)
	o.queues[cfg.Name] = q
	if o.bindings[cfg.Address] == nil {
		o.bindings[cfg.Address] = make(map[string]mirror.Binding)
	}
	o.bindings[cfg.Address][cfg.Name] = &binding{queue: q}
	return nil
}

// DeleteQueue implements mirror.Registry.
func (o *Office) DeleteQueue(_ context.Context, address, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.queues[name]
	if !ok {
		return mirror.NewNotFoundError(fmt.Sprintf("%s: %s", ErrQueueNotFound, name))
	}
	delete(o.queues, name)
	if b, ok := o.bindings[address]; ok {
		delete(b, name)
	}
	q.Close()
	return nil
}

// GetQueue implements mirror.Registry.
func (o *Office) GetQueue(_ context.Context, name string) (mirror.Queue, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// GetBindings implements mirror.Registry.
func (o *Office) GetBindings(_ context.Context, address string) (map[string]mirror.Binding, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]mirror.Binding, len(o.bindings[address]))
	for k, v := range o.bindings[address] {
		out[k] = v
	}
	return out, nil
}

// RouteDefault implements mirror.Registry. With no clustering or filter
// evaluation in this package, the default algorithm fans a message out to
// every queue bound to its address — multicast-style delivery to each of
// whichever local queues exist, matching what a single-node broker with no
// consumer-side filters would do.
func (o *Office) RouteDefault(ctx context.Context, msg *mirror.ReplayMessage, rctx *mirror.RoutingContext) error {
	o.mu.RLock()
	targets := make([]*binding, 0, len(o.bindings[msg.Address]))
	for _, b := range o.bindings[msg.Address] {
		if bb, ok := b.(*binding); ok {
			targets = append(targets, bb)
		}
	}
	o.mu.RUnlock()

	for _, b := range targets {
		if err := b.Route(ctx, msg, rctx); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteOnCompletion implements mirror.StorageLayer.
func (o *Office) ExecuteOnCompletion(fn func()) {
	o.storage.ExecuteOnCompletion(fn)
}

// NewTransaction implements mirror.PostOffice.
func (o *Office) NewTransaction(context.Context) (mirror.Transaction, error) {
	return NewTransaction(), nil
}

// GetDuplicateIdCache implements mirror.PostOffice.
func (o *Office) GetDuplicateIdCache(_ context.Context, originKey string, capacity int) (mirror.DuplicateIdCache, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.caches[originKey]; ok {
		return c, nil
	}
	c, err := newDuplicateIdCache(o.db, originKey, capacity)
	if err != nil {
		return nil, err
	}
	o.caches[originKey] = c
	return c, nil
}

// NextMessageID implements mirror.PostOffice.
func (o *Office) NextMessageID(context.Context) (int64, error) {
	v, err := o.idSeq.Next()
	if err != nil {
		return 0, fmt.Errorf("postoffice: allocating message id: %w", err)
	}
	return int64(v), nil
}

var _ mirror.PostOffice = (*Office)(nil)
