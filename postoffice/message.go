// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package postoffice

import (
	"fmt"

	"github.com/fluxmirror/target/mirror"
)

// storedMessage is the durable, JSON-encoded record Queue persists to
// Badger for every message it accepts. Its key encodes origin and internal
// id so a PagedStore scan can walk entries for one origin in ascending
// internal-id order using nothing more than Badger's own key ordering.
type storedMessage struct {
	Origin     string            `json:"origin"`
	InternalID int64             `json:"internalId"`
	Payload    []byte            `json:"payload"`
	Properties map[string]string `json:"properties,omitempty"`
}

// messageRef is the in-memory handle Queue and PagedStore hand back to the
// mirror package wherever it needs a mirror.MessageReference.
type messageRef struct {
	origin mirror.OriginId
	id     mirror.InternalId
}

func (r *messageRef) OriginID() mirror.OriginId     { return r.origin }
func (r *messageRef) InternalID() mirror.InternalId { return r.id }

// pagedKey returns the Badger key for a message from origin with the given
// internal id, scoped to one queue. Zero-padding the id keeps entries for
// the same origin in ascending internal-id order under Badger's
// lexicographic iteration.
func pagedKey(queue, origin string, id int64) []byte {
	return []byte(fmt.Sprintf("mirror/queue/%s/msg/%s/%020d", queue, origin, id))
}

// pagedPrefix returns the prefix every message key for queue shares,
// regardless of origin.
func pagedPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("mirror/queue/%s/msg/", queue))
}
