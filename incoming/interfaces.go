// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package incoming

// Subscriber consumes the messages of one flow.
//
// All methods are called from the event loop, one at a time. OnComplete or
// OnError is called at most once and nothing is delivered afterwards.
type Subscriber interface {
	OnNext(d Delivery)
	OnComplete()
	OnError(err error)
}

// Handlers adapts plain functions to Subscriber. Nil functions are skipped.
type Handlers struct {
	Next     func(Delivery)
	Complete func()
	Error    func(error)
}

// OnNext implements Subscriber.
func (h Handlers) OnNext(d Delivery) {
	if h.Next != nil {
		h.Next(d)
	}
}

// OnComplete implements Subscriber.
func (h Handlers) OnComplete() {
	if h.Complete != nil {
		h.Complete()
	}
}

// OnError implements Subscriber.
func (h Handlers) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// Executor runs tasks on the event loop. Execute must not block and must run
// tasks one at a time in submission order.
type Executor interface {
	Execute(task func())
}

// Acker emits the protocol acknowledgement for a fully delivered and
// acknowledged QoS 1 or 2 message. Called from the event loop.
type Acker interface {
	Ack(id uint64, msg *Message)
}

// Matcher returns the flows subscribed to a filter matching msg, in
// subscription order and without duplicates. Called from the event loop.
type Matcher interface {
	FindMatching(msg *Message) []*Flow
}

// Recorder receives dispatch metrics.
type Recorder interface {
	RecordDelivered(qos byte)
	RecordDropped(qos byte, reason string)
	RecordFlowControlViolation()
	RecordAcknowledged(qos byte)
	RecordQueueDepth(qos byte, delta int64)
}

type noopRecorder struct{}

func (noopRecorder) RecordDelivered(byte) {}
func (noopRecorder) RecordDropped(byte, string) {}
func (noopRecorder) RecordFlowControlViolation() {}
func (noopRecorder) RecordAcknowledged(byte) {}
func (noopRecorder) RecordQueueDepth(byte, int64) {}
