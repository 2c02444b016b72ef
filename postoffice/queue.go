// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package postoffice

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fluxmirror/target/mirror"
)

// promoteInterval is how often Queue moves staged entries into its direct,
// immediately-visible index. It is short enough that an ack arriving
// shortly after its message's replay almost always resolves at
// mirror.AckStageDirect, and long enough that Enqueue can batch several
// arrivals into one promotion pass under load.
const promoteInterval = 5 * time.Millisecond

type stagedMessage struct {
	ref     *messageRef
	payload []byte
	props   map[string]string
}

// Queue is the postoffice package's mirror.Queue implementation. It keeps
// three tiers of state, matching the three stages mirror.AckReconciler
// escalates through:
//
//   - direct: an in-memory map, immediately visible to RemoveWithSuppliedID.
//   - intermediate: entries accepted but not yet promoted into direct.
//   - paged: the full durable Badger record, the last resort for an ack
//     whose message was promoted and then paged out of the direct index
//     (or evicted under memory pressure — not modeled here, but the
//     interface leaves room for it).
type Queue struct {
	name    string
	address string
	log     *slog.Logger

	mu           sync.Mutex
	direct       map[string]*messageRef
	intermediate []*stagedMessage

	paged *PagedStore

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueue constructs a Queue and starts its background promotion loop.
// Callers must call Close when the queue is deleted.
func NewQueue(name, address string, paged *PagedStore, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		name:    name,
		address: address,
		log:     log,
		direct:  make(map[string]*messageRef),
		paged:   paged,
		stopCh:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.promoteLoop()
	return q
}

// Close stops the background promotion loop.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

func (q *Queue) Name() string { return q.name }

// Enqueue durably records a newly replayed message and stages it for
// promotion into the direct index.
func (q *Queue) Enqueue(origin mirror.OriginId, id mirror.InternalId, payload []byte, props map[string]string) error {
	if err := q.paged.Put(origin, id, payload, props); err != nil {
		return err
	}
	q.mu.Lock()
	q.intermediate = append(q.intermediate, &stagedMessage{
		ref:     &messageRef{origin: origin, id: id},
		payload: payload,
		props:   props,
	})
	q.mu.Unlock()
	return nil
}

func (q *Queue) promoteLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.promote()
		}
	}
}

func (q *Queue) promote() {
	q.mu.Lock()
	staged := q.intermediate
	q.intermediate = nil
	for _, s := range staged {
		q.direct[directKey(s.ref.origin, s.ref.id)] = s.ref
	}
	q.mu.Unlock()
}

// RemoveWithSuppliedID implements mirror.AckStageDirect.
func (q *Queue) RemoveWithSuppliedID(_ context.Context, origin mirror.OriginId, id mirror.InternalId) (mirror.MessageReference, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := directKey(origin, id)
	ref, ok := q.direct[key]
	if !ok {
		return nil, false, nil
	}
	delete(q.direct, key)
	return ref, true, nil
}

// FlushIntermediate implements mirror.AckStageFlush: it forces an immediate
// promotion pass rather than waiting for the next ticker tick.
func (q *Queue) FlushIntermediate(done func()) {
	q.promote()
	done()
}

// PageSubscription implements mirror.AckStagePaged.
func (q *Queue) PageSubscription() mirror.PagedScanner {
	return q.paged
}

// Acknowledge durably forgets ref; it has already been removed from
// whichever in-memory tier resolved it.
func (q *Queue) Acknowledge(_ context.Context, ref mirror.MessageReference, _ mirror.AckReason) error {
	return q.paged.Remove(ref.OriginID(), ref.InternalID())
}

// Expire durably forgets ref for the same reason Acknowledge does; this
// package does not distinguish a dead-letter destination for expired
// messages.
func (q *Queue) Expire(ctx context.Context, ref mirror.MessageReference) error {
	return q.Acknowledge(ctx, ref, mirror.AckExpired)
}

func directKey(origin mirror.OriginId, id mirror.InternalId) string {
	return string(origin) + "/" + strconv.FormatInt(int64(id), 10)
}
