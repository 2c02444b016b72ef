// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirror

import "context"

// RoutingContext carries the per-message routing decisions ReplayEngine
// makes before handing a message to the PostOffice: which queues to target
// directly, and whether load balancing across a cluster should be
// suppressed because the message already traversed one hop of mirroring.
type RoutingContext struct {
	MirrorSource     bool
	LocalOnly        bool
	TargetQueueNames []string
}

// Binding routes a message into one named local queue, bypassing whatever
// load-balancing decision the registry would otherwise make.
type Binding interface {
	Route(ctx context.Context, msg *ReplayMessage, rctx *RoutingContext) error
}

// PagedEntry is one candidate considered during a Stage 2 scan.
type PagedEntry interface {
	MessageReference
}

// PagedScanner performs the Stage 2 paged comparator scan spec.md §4.4
// describes: each origin's entries are visited in ascending InternalId
// order and cmp reports which way the target lies relative to each one.
type PagedScanner interface {
	// ScanAck walks paged entries, each origin's in ascending InternalId
	// order (entries of different origins may be grouped or interleaved),
	// calling cmp on each.
	// cmp returns 0 on a match, negative if the scan has not yet reached
	// the target, positive if it has passed it. ScanAck stops at the first
	// zero or positive result, or when entries are exhausted.
	ScanAck(ctx context.Context, cmp func(entry PagedEntry) int) (PagedEntry, bool, error)
}

// Queue is the local collaborator AckReconciler resolves acks against and
// ReplayEngine routes messages into.
type Queue interface {
	Name() string

	// RemoveWithSuppliedID implements Stage 0: an indexed lookup keyed by
	// (origin, internal id) against references already visible to the
	// queue's in-memory state.
	RemoveWithSuppliedID(ctx context.Context, origin OriginId, id InternalId) (MessageReference, bool, error)

	// FlushIntermediate implements Stage 1: it forces any references
	// staged but not yet visible to RemoveWithSuppliedID to become
	// visible, then invokes done. Callers must not assume done runs
	// synchronously.
	FlushIntermediate(done func())

	// PageSubscription returns the Stage 2 scanner over this queue's full
	// (paged) backing store.
	PageSubscription() PagedScanner

	Acknowledge(ctx context.Context, ref MessageReference, reason AckReason) error
	Expire(ctx context.Context, ref MessageReference) error
}

// Registry is the address/queue administrative surface AdminApplier drives.
type Registry interface {
	AddAddress(ctx context.Context, info AddressInfo) error
	DeleteAddress(ctx context.Context, info AddressInfo) error
	CreateQueue(ctx context.Context, cfg QueueConfig) error
	DeleteQueue(ctx context.Context, address, queue string) error
	GetQueue(ctx context.Context, name string) (Queue, error)
	GetBindings(ctx context.Context, address string) (map[string]Binding, error)

	// RouteDefault applies the registry's normal routing algorithm
	// (address-type and filter aware) rather than a direct named binding.
	RouteDefault(ctx context.Context, msg *ReplayMessage, rctx *RoutingContext) error
}

// StorageLayer exposes the durable-I/O completion hook every tier of
// AckReconciler relies on to avoid racing ahead of a still-in-flight write.
type StorageLayer interface {
	ExecuteOnCompletion(fn func())
}

// Transaction is the unit of atomicity ReplayEngine opens per replayed
// message: operations registered against it only take
// effect, for caches and counters that track them, once Commit succeeds.
type Transaction interface {
	// AddOperationWithRollback registers a pair of hooks: afterCommit runs
	// once the transaction durably commits, afterRollback runs if it is
	// rolled back instead. Either hook may be nil.
	AddOperationWithRollback(afterCommit, afterRollback func())
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DuplicateIdCache is the per-origin bounded membership set spec.md §4.5
// describes, sized to the link's credit window.
type DuplicateIdCache interface {
	Contains(id InternalId) bool
	// Add stages id as a tentative member, visible to Contains immediately,
	// and registers its undo against tx so an aborted transaction leaves
	// the cache as if Add had never been called.
	Add(ctx context.Context, id InternalId, tx Transaction)
}

// PostOffice is the full external collaborator surface mirror depends on.
// It is intentionally an interface: the postoffice package provides the
// concrete, Badger-backed implementation, but mirror itself never imports
// it; mirror's own tests run against an in-memory fake.
type PostOffice interface {
	Registry
	StorageLayer

	NewTransaction(ctx context.Context) (Transaction, error)

	// GetDuplicateIdCache returns the cache for the given origin, creating
	// it with the given capacity on first use. Subsequent calls with the
	// same key must return the same cache regardless of capacity argument.
	GetDuplicateIdCache(ctx context.Context, originKey string, capacity int) (DuplicateIdCache, error)

	NextMessageID(ctx context.Context) (int64, error)
}
