// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
	"time"
)

// pendingType identifies the type of pending operation.
type pendingType int

const (
	pendingSubscribe pendingType = iota
	pendingUnsubscribe
)

// pendingOp represents a subscribe or unsubscribe waiting for the broker.
type pendingOp struct {
	id     uint16
	opType pendingType
	done   chan struct{}
	err    error
	result []byte // SUBACK return codes
}

// pendingStore manages pending operations.
type pendingStore struct {
	mu      sync.Mutex
	pending map[uint16]*pendingOp
	nextID  uint16
	maxSize int
}

// newPendingStore creates a new pending operation store.
func newPendingStore(maxSize int) *pendingStore {
	return &pendingStore{
		pending: make(map[uint16]*pendingOp),
		nextID:  1,
		maxSize: maxSize,
	}
}

// add allocates a packet ID and registers a pending operation for it.
func (ps *pendingStore) add(opType pendingType) (*pendingOp, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(ps.pending) >= ps.maxSize {
		return nil, ErrMaxInflight
	}

	// Packet ID 0 is reserved.
	for {
		id := ps.nextID
		ps.nextID++
		if ps.nextID == 0 {
			ps.nextID = 1
		}
		if _, exists := ps.pending[id]; exists {
			continue
		}
		op := &pendingOp{
			id:     id,
			opType: opType,
			done:   make(chan struct{}),
		}
		ps.pending[id] = op
		return op, nil
	}
}

// complete finishes the operation with the given type and ID.
func (ps *pendingStore) complete(id uint16, opType pendingType, err error, result []byte) bool {
	ps.mu.Lock()
	op, exists := ps.pending[id]
	if !exists || op.opType != opType {
		ps.mu.Unlock()
		return false
	}
	delete(ps.pending, id)
	ps.mu.Unlock()

	op.err = err
	op.result = result
	close(op.done)
	return true
}

// remove removes a pending operation without completing it.
func (ps *pendingStore) remove(id uint16) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.pending, id)
}

// clear removes all pending operations and signals them as failed.
func (ps *pendingStore) clear(err error) {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[uint16]*pendingOp)
	ps.mu.Unlock()

	for _, op := range pending {
		op.err = err
		close(op.done)
	}
}

// wait waits for the operation to complete, ctx to be done or timeout to pass.
func (op *pendingOp) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
