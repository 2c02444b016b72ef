// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package postoffice

import (
	"context"
	"fmt"
)

// Transaction implements mirror.Transaction. The actual durable writes
// ReplayEngine cares about (the paged record, the duplicate-id cache entry)
// are already committed to Badger synchronously by the time they are
// issued, since each is a single self-contained Badger transaction; what
// this type sequences is the set of in-memory afterCommit/afterRollback
// hooks those calls register, so a delivery only settles once every piece
// of replay work for it has agreed on the same outcome.
type Transaction struct {
	committed     bool
	rolledBack    bool
	afterCommit   []func()
	afterRollback []func()
}

// NewTransaction returns a new, empty Transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// AddOperationWithRollback implements mirror.Transaction.
func (t *Transaction) AddOperationWithRollback(afterCommit, afterRollback func()) {
	if afterCommit != nil {
		t.afterCommit = append(t.afterCommit, afterCommit)
	}
	if afterRollback != nil {
		t.afterRollback = append(t.afterRollback, afterRollback)
	}
}

// Commit runs every registered afterCommit hook, in registration order.
func (t *Transaction) Commit(_ context.Context) error {
	if t.rolledBack {
		return fmt.Errorf("postoffice: transaction already rolled back")
	}
	t.committed = true
	for _, fn := range t.afterCommit {
		fn()
	}
	return nil
}

// Rollback runs every registered afterRollback hook, in registration order.
func (t *Transaction) Rollback(_ context.Context) error {
	if t.committed {
		return fmt.Errorf("postoffice: transaction already committed")
	}
	t.rolledBack = true
	for _, fn := range t.afterRollback {
		fn()
	}
	return nil
}
