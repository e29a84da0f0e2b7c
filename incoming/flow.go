// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package incoming

import (
	"fmt"
	"math"
	"reflect"
	"sync/atomic"

	"github.com/google/uuid"
)

// Unbounded is the demand value that is never decremented by deliveries.
const Unbounded int64 = math.MaxInt64

// Demand hand-off states between Request and the event loop.
const (
	demandNoNew int32 = iota
	demandNew
	demandBlocked
)

// Terminal states shared with consumer goroutines.
const (
	flowActive int32 = iota
	flowDone
	flowCancelled
)

type completion int

const (
	completionActive completion = iota
	completionPending
	completionTerminated
)

// Flow tracks delivery, demand and acknowledgement of one subscription stream.
//
// Request and Cancel may be called from any goroutine. Everything else runs on
// the event loop of the Service that created the flow.
type Flow struct {
	id        uuid.UUID
	sub       Subscriber
	svc       *Service
	manualAck bool

	pendingDemand atomic.Int64
	demandState   atomic.Int32
	state         atomic.Int32

	// Event loop only.
	requested    int64
	blocking     bool
	blockedEpoch uint64
	referenced   int
	missingAcks  int
	completion   completion
	reason       error
	onCancel     func(*Flow)
}

func newFlow(svc *Service, sub Subscriber, manualAck bool) *Flow {
	return &Flow{
		id:        uuid.New(),
		sub:       sub,
		svc:       svc,
		manualAck: manualAck,
	}
}

// ID returns the flow identifier.
func (f *Flow) ID() uuid.UUID {
	return f.id
}

// ManualAck reports whether deliveries of this flow must be acknowledged by
// the subscriber.
func (f *Flow) ManualAck() bool {
	return f.manualAck
}

// IsCancelled reports whether the subscriber cancelled the flow.
func (f *Flow) IsCancelled() bool {
	return f.state.Load() == flowCancelled
}

// Request adds n to the demand of the flow. Non-positive n and requests on a
// cancelled flow are ignored. Demand saturates at Unbounded.
func (f *Flow) Request(n int64) {
	if n <= 0 || f.IsCancelled() {
		return
	}
	f.addPending(n)
	// Only a flow the event loop saw blocked needs a wake-up; otherwise the
	// loop picks the new demand up on its next pass.
	if f.demandState.Swap(demandNew) == demandBlocked {
		f.svc.exec.Execute(f.wake)
	}
}

// Cancel stops all future deliveries. The flow is dropped from pending
// messages lazily by the event loop. Calling Cancel more than once, or after
// the flow completed, has no effect.
func (f *Flow) Cancel() {
	if !f.state.CompareAndSwap(flowActive, flowCancelled) {
		return
	}
	f.svc.exec.Execute(f.runCancel)
}

func (f *Flow) addPending(n int64) {
	for {
		cur := f.pendingDemand.Load()
		if cur == Unbounded {
			return
		}
		if f.pendingDemand.CompareAndSwap(cur, addCap(cur, n)) {
			return
		}
	}
}

func (f *Flow) wake() {
	if f.referenced > 0 {
		f.svc.Drain()
	}
}

func (f *Flow) runCancel() {
	if f.onCancel != nil {
		f.onCancel(f)
		f.onCancel = nil
	}
	if f.referenced > 0 {
		f.svc.Drain()
	}
}

// consume returns the demand available for the drain pass epoch: a positive
// value is deliverable demand, 0 means the flow became blocked in this pass
// and -1 that it was already found blocked earlier in the same pass.
func (f *Flow) consume(epoch uint64) int64 {
	if f.requested > 0 {
		return f.requested
	}
	if f.blocking && f.blockedEpoch != epoch {
		f.blocking = false
	}
	if f.blocking {
		return -1
	}
	// demandState and pendingDemand are not updated atomically together, so a
	// new delta has to be looked for again after every failed transition.
	for {
		if f.demandState.CompareAndSwap(demandNoNew, demandBlocked) {
			f.blockedEpoch = epoch
			f.blocking = true
			return 0
		}
		f.demandState.Store(demandNoNew)
		// A concurrent Request may already be included here while its state
		// swap lands afterwards, leaving demandNew with an empty delta.
		if n := f.pendingDemand.Swap(0); n > 0 {
			f.requested = addCap(f.requested, n)
			return f.requested
		}
	}
}

func (f *Flow) deliver(d Delivery) {
	f.sub.OnNext(d)
	if f.requested != Unbounded {
		f.requested--
	}
}

func (f *Flow) reference() int {
	f.referenced++
	return f.referenced
}

func (f *Flow) dereference() int {
	f.referenced--
	return f.referenced
}

func (f *Flow) noteAckOwed() {
	f.missingAcks++
}

func (f *Flow) acknowledge(drain bool) {
	if drain {
		f.svc.Drain()
	}
	f.missingAcks--
	if f.missingAcks == 0 {
		f.reconcile()
	}
}

// Complete finishes the flow with err, or normally if err is nil. The
// subscriber is signalled once no pending message references the flow and
// every delivery was acknowledged. Must be called on the event loop.
//
// Completing an already completed flow with the same error is ignored. Any
// other repeated completion is reported to the error sink.
func (f *Flow) Complete(err error) {
	if f.completion != completionActive {
		if !sameError(err, f.reason) {
			if err == nil {
				f.svc.reportError(fmt.Errorf("%w: flow %s", ErrDuplicateCompletion, f.id))
			} else {
				f.svc.reportError(fmt.Errorf("%w: flow %s: %w", ErrDuplicateCompletion, f.id, err))
			}
		}
		return
	}
	f.completion = completionPending
	f.reason = err
	if !f.reconcile() {
		f.svc.Drain()
	}
}

// reconcile flushes a pending completion once the flow is neither referenced
// nor owed acknowledgements. It reports whether the flow is terminated.
func (f *Flow) reconcile() bool {
	switch {
	case f.completion == completionTerminated:
		return true
	case f.completion != completionPending, f.referenced > 0, f.missingAcks > 0:
		return false
	}
	f.completion = completionTerminated
	if !f.state.CompareAndSwap(flowActive, flowDone) {
		// Cancelled subscribers are not signalled.
		return true
	}
	if f.reason != nil {
		f.sub.OnError(f.reason)
	} else {
		f.sub.OnComplete()
	}
	return true
}

// sameError reports whether a and b are the same error value. Errors of
// types that cannot be compared are never the same.
func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func addCap(a, b int64) int64 {
	if r := a + b; r >= 0 {
		return r
	}
	return Unbounded
}
