// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

// Package postoffice is the concrete, Badger-backed collaborator the
// mirror package replays messages and acks into. It implements
// mirror.PostOffice end to end: addresses, queues and bindings live in
// memory for fast routing decisions, while committed messages and
// duplicate-id membership persist to Badger so a restart does not forget
// what it has already seen.
package postoffice

import "errors"

var (
	// ErrAddressExists is the text of the mirror.NewAlreadyExistsError
	// AddAddress returns when the address is already registered.
	ErrAddressExists = errors.New("postoffice: address already exists")
	// ErrAddressNotFound is the text of the mirror.NewNotFoundError
	// DeleteAddress returns when no such address is registered.
	ErrAddressNotFound = errors.New("postoffice: address not found")
	// ErrQueueExists is the text of the mirror.NewAlreadyExistsError
	// CreateQueue returns when the queue already exists.
	ErrQueueExists = errors.New("postoffice: queue already exists")
	// ErrQueueNotFound is wrapped by GetQueue, and is the text of the
	// mirror.NewNotFoundError DeleteQueue returns, when no such queue is
	// registered.
	ErrQueueNotFound = errors.New("postoffice: queue not found")
)
