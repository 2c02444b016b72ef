// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// AdminApplier replays the four administrative event kinds into a Registry.
// Every operation it performs is idempotent: the source broker re-sends its
// full topology on link establishment, so a target that already has an
// address or queue from an earlier pass of the same event must treat that
// as success, not conflict.
type AdminApplier struct {
	registry Registry
	log      *slog.Logger
	metrics  AdminMetricsSink
}

// AdminMetricsSink receives a count of idempotent no-ops, useful to an
// operator trying to tell steady-state replay apart from a topology that is
// actually still converging.
type AdminMetricsSink interface {
	IncIdempotentNoOp(kind EventKind)
}

// NewAdminApplier constructs an AdminApplier. metrics may be nil.
func NewAdminApplier(registry Registry, log *slog.Logger, metrics AdminMetricsSink) *AdminApplier {
	if log == nil {
		log = slog.Default()
	}
	return &AdminApplier{registry: registry, log: log, metrics: metrics}
}

func (a *AdminApplier) noteIdempotent(kind EventKind) {
	if a.metrics != nil {
		a.metrics.IncIdempotentNoOp(kind)
	}
}

// Apply dispatches ev to the matching Registry operation based on ev.Kind.
// Per the idempotency contract, an already-exists/not-found outcome is
// success; any other failure — including a malformed body — is warn-logged
// and swallowed rather than returned, since administrative events must not
// stall the replication stream. Apply returns an error only when ev.Kind
// names an operation this type does not implement, which signals a demux
// routing bug rather than an administrative failure.
func (a *AdminApplier) Apply(ctx context.Context, ev InboundEvent) error {
	switch ev.Kind {
	case EventAddAddress:
		a.addAddress(ctx, ev)
		return nil
	case EventDeleteAddress:
		a.deleteAddress(ctx, ev)
		return nil
	case EventCreateQueue:
		a.createQueue(ctx, ev)
		return nil
	case EventDeleteQueue:
		a.deleteQueue(ctx, ev)
		return nil
	default:
		return fmt.Errorf("mirror: AdminApplier cannot handle event kind %q", ev.Kind)
	}
}

func (a *AdminApplier) addAddress(ctx context.Context, ev InboundEvent) {
	var info AddressInfo
	if err := json.Unmarshal(ev.Body, &info); err != nil {
		a.log.Warn("add-address event malformed, dropping", "err", err)
		return
	}
	err := a.registry.AddAddress(ctx, info)
	if isAlreadyExists(err) {
		a.log.Debug("address already exists, treating as applied", "address", info.Name)
		a.noteIdempotent(EventAddAddress)
		return
	}
	if err != nil {
		a.log.Warn("add address failed, dropping event", "address", info.Name, "err", err)
	}
}

func (a *AdminApplier) deleteAddress(ctx context.Context, ev InboundEvent) {
	var info AddressInfo
	if err := json.Unmarshal(ev.Body, &info); err != nil {
		a.log.Warn("delete-address event malformed, dropping", "err", err)
		return
	}
	err := a.registry.DeleteAddress(ctx, info)
	if isNotFound(err) {
		a.log.Debug("address already gone, treating as applied", "address", info.Name)
		a.noteIdempotent(EventDeleteAddress)
		return
	}
	if err != nil {
		a.log.Warn("delete address failed, dropping event", "address", info.Name, "err", err)
	}
}

func (a *AdminApplier) createQueue(ctx context.Context, ev InboundEvent) {
	var cfg QueueConfig
	if err := json.Unmarshal(ev.Body, &cfg); err != nil {
		a.log.Warn("create-queue event malformed, dropping", "err", err)
		return
	}
	err := a.registry.CreateQueue(ctx, cfg)
	if isAlreadyExists(err) {
		a.log.Debug("queue already exists, treating as applied", "queue", cfg.Name)
		a.noteIdempotent(EventCreateQueue)
		return
	}
	if err != nil {
		a.log.Warn("create queue failed, dropping event", "queue", cfg.Name, "err", err)
	}
}

func (a *AdminApplier) deleteQueue(ctx context.Context, ev InboundEvent) {
	queue, _ := ev.Annotations.String(AnnotationQueue)
	address, _ := ev.Annotations.String(AnnotationAddress)
	if queue == "" {
		a.log.Warn("delete-queue event malformed, dropping", "err", ErrMalformedEvent)
		return
	}
	err := a.registry.DeleteQueue(ctx, address, queue)
	if isNotFound(err) {
		a.log.Debug("queue already gone, treating as applied", "queue", queue)
		a.noteIdempotent(EventDeleteQueue)
		return
	}
	if err != nil {
		a.log.Warn("delete queue failed, dropping event", "queue", queue, "err", err)
	}
}

// registryError, when returned by a Registry implementation, lets Apply
// distinguish an idempotent no-op from a genuine failure without depending
// on any concrete implementation's error type.
type registryError struct {
	alreadyExists bool
	notFound      bool
	msg           string
}

func (e *registryError) Error() string { return e.msg }

// NewAlreadyExistsError constructs the sentinel a Registry implementation
// should return from AddAddress/CreateQueue when the target already exists.
func NewAlreadyExistsError(msg string) error {
	return &registryError{alreadyExists: true, msg: msg}
}

// NewNotFoundError constructs the sentinel a Registry implementation should
// return from DeleteAddress/DeleteQueue when the target is already absent.
func NewNotFoundError(msg string) error {
	return &registryError{notFound: true, msg: msg}
}

func isAlreadyExists(err error) bool {
	var re *registryError
	return errors.As(err, &re) && re.alreadyExists
}

func isNotFound(err error) bool {
	var re *registryError
	return errors.As(err, &re) && re.notFound
}
