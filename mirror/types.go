// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

// Package mirror implements the receiving end of a unidirectional
// broker-to-broker replication link: it demultiplexes an incoming stream of
// administrative, ack and data-message events and replays them into a local
// post office so the target's state converges with the source's.
package mirror

import "context"

// EventKind identifies which of the three event families an InboundEvent
// belongs to.
type EventKind string

const (
	EventAddAddress    EventKind = "add_address"
	EventDeleteAddress EventKind = "delete_address"
	EventCreateQueue   EventKind = "create_queue"
	EventDeleteQueue   EventKind = "delete_queue"
	EventPostAck       EventKind = "post_ack"
	EventDataMessage   EventKind = "data_message"
)

// AckReason mirrors the reason a remote broker gives for settling a message.
type AckReason string

const (
	AckNormal  AckReason = "normal"
	AckExpired AckReason = "expired"
	AckKilled  AckReason = "killed"
)

// OriginId identifies the broker that originally produced an event. It is
// never empty once resolved: ReplayEngine and AckReconciler substitute the
// link's remote mirror ID when the wire omits it.
type OriginId string

// InternalId is the 64-bit monotonically increasing identifier the origin
// assigned to a replicated message. The pair (OriginId, InternalId) is the
// sole basis for duplicate detection and ack-to-reference matching.
type InternalId int64

// DeliveryHandle is the transport's handle to one inbound delivery. EventDemux
// never inspects it beyond settling; framing and disposition encoding are the
// transport's concern.
type DeliveryHandle interface {
	// Settle disposes the delivery as accepted and returns one unit of
	// credit to the sender.
	Settle()
}

// Annotations is the decoded key/value mapping carried by an InboundEvent.
// Recognized keys are the constants in wire.go.
type Annotations map[string]any

// String returns the string-valued annotation, or ok=false if absent or of
// the wrong type.
func (a Annotations) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int64 returns the int64-valued annotation, or ok=false if absent or of the
// wrong type.
func (a Annotations) Int64(key string) (int64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

// StringSlice returns the []string-valued annotation, or ok=false if absent
// or of the wrong type.
func (a Annotations) StringSlice(key string) ([]string, bool) {
	v, ok := a[key]
	if !ok {
		return nil, false
	}
	s, ok := v.([]string)
	return s, ok
}

// InboundEvent is one decoded unit handed to EventDemux by the transport.
type InboundEvent struct {
	Kind          EventKind
	Annotations   Annotations
	Body          []byte
	MessageFormat uint32
	Delivery      DeliveryHandle

	// Payload carries the pre-decoded application message for DataMessage
	// events; nil for the other kinds.
	Payload []byte

	// Properties are the application properties attached to a DataMessage,
	// copied onto the replayed message.
	Properties map[string]string
}

// AddressInfo is the JSON-decoded descriptor carried by AddAddress and
// DeleteAddress events. Its shape deliberately stays minimal: the wire JSON
// schema for address descriptors is an external collaborator's concern.
type AddressInfo struct {
	Name         string   `json:"name"`
	RoutingTypes []string `json:"routingTypes,omitempty"`
}

// QueueConfig is the JSON-decoded descriptor carried by CreateQueue events.
type QueueConfig struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	RoutingType string `json:"routingType,omitempty"`
	Durable     bool   `json:"durable,omitempty"`
	AutoCreated bool   `json:"autoCreated,omitempty"`
}

// ReplayMessage is the message ReplayEngine routes into the post office. It
// is deliberately small: payload plus the identity and addressing
// properties a downstream mirror or consumer needs.
type ReplayMessage struct {
	LocalID            int64
	OriginID           OriginId
	InternalID         InternalId
	Address            string
	Payload            []byte
	ApplicationProperties map[string]string
}

// MessageReference is the local handle to a message already known by the
// post office, used to resolve a remote ack against local state.
type MessageReference interface {
	OriginID() OriginId
	InternalID() InternalId
}

// LinkSettings captures the link-level negotiation spec.md §6 describes.
// The transport layer applies these; mirror only records them so tests and
// the admin surface can assert on them.
type LinkSettings struct {
	RemoteMirrorID      OriginId
	CreditWindow        int
	SenderSettleMode    string
	ReceiverSettleFirst bool
}

// ctxKey namespaces values mirror stores in context.Context.
type ctxKey int

const controllerScopeKey ctxKey = iota

// WithControllerScope returns a context in which ControllerScope reports the
// given scope as active. See controllerscope.go.
func WithControllerScope(ctx context.Context, scope *ControllerScope) context.Context {
	return context.WithValue(ctx, controllerScopeKey, scope)
}
