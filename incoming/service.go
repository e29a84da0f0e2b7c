// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package incoming dispatches publishes received by an MQTT client to the
// subscription flows interested in them.
//
// A Service owns one queue for QoS 0 and one for QoS 1 and 2 messages and
// delivers queued messages in arrival order to every flow that has demand.
// QoS 1 and 2 messages are acknowledged to the broker strictly in arrival
// order, once every flow received (and, with manual acknowledgement,
// acknowledged) them.
//
// Except for Flow.Request, Flow.Cancel and Delivery.Ack, all methods must be
// called from the event loop backing the Service's Executor.
package incoming

import (
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/fluxclient/internal/handlelist"
	"golang.org/x/time/rate"
)

// Default values.
const (
	DefaultReceiveMaximum  = 65535
	DefaultDropLogInterval = time.Second
	defaultQueueCapacity   = 32
)

// DropPolicy selects what is discarded when the QoS 0 queue is full.
type DropPolicy int

// QoS 0 drop policies.
const (
	// DropOldest discards the oldest queued message to make room.
	DropOldest DropPolicy = iota
	// DropNewest discards the arriving message and leaves the queue intact.
	DropNewest
)

// String returns the policy name.
func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "oldest"
	case DropNewest:
		return "newest"
	default:
		return "unknown"
	}
}

// ParseDropPolicy parses "oldest" or "newest". An empty string is DropOldest.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(s) {
	case "", "oldest":
		return DropOldest, nil
	case "newest":
		return DropNewest, nil
	default:
		return DropOldest, ErrInvalidDropPolicy
	}
}

// Config configures a Service.
type Config struct {
	Executor Executor
	Acker    Acker
	Matcher  Matcher

	DropPolicy DropPolicy
	Logger     *slog.Logger
	Recorder   Recorder

	// ErrorSink receives unexpected flow errors that cannot be delivered to a
	// subscriber. Defaults to logging them.
	ErrorSink func(error)

	// DropLogInterval limits how often dropped QoS 0 messages are logged.
	DropLogInterval time.Duration
}

// Service is the dispatcher of incoming publishes.
type Service struct {
	exec     Executor
	acker    Acker
	matcher  Matcher
	policy   DropPolicy
	logger   *slog.Logger
	recorder Recorder
	errSink  func(error)
	dropLog  *rate.Limiter

	qos0  *handlelist.List[*record]
	qos12 *handlelist.List[*record]

	nextID          uint64
	referencedFlows int
	epoch           uint64
	blockingFlows   int
	draining        bool
	redrain         bool
}

// NewService creates a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Executor == nil {
		return nil, ErrNilExecutor
	}
	if cfg.Acker == nil {
		return nil, ErrNilAcker
	}
	if cfg.Matcher == nil {
		return nil, ErrNilMatcher
	}
	if cfg.DropPolicy != DropOldest && cfg.DropPolicy != DropNewest {
		return nil, ErrInvalidDropPolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.DropLogInterval <= 0 {
		cfg.DropLogInterval = DefaultDropLogInterval
	}

	s := &Service{
		exec:     cfg.Executor,
		acker:    cfg.Acker,
		matcher:  cfg.Matcher,
		policy:   cfg.DropPolicy,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		errSink:  cfg.ErrorSink,
		dropLog:  rate.NewLimiter(rate.Every(cfg.DropLogInterval), 1),
		qos0:     handlelist.New[*record](defaultQueueCapacity),
		qos12:    handlelist.New[*record](defaultQueueCapacity),
		nextID:   1,
	}
	if s.errSink == nil {
		s.errSink = func(err error) {
			s.logger.Error("unexpected flow error", slog.String("error", err.Error()))
		}
	}
	return s, nil
}

// NewFlow creates a flow delivering to sub. With manualAck, every QoS 1 and 2
// delivery must be acknowledged through Delivery.Ack before the broker is
// acknowledged.
func (s *Service) NewFlow(sub Subscriber, manualAck bool) *Flow {
	return newFlow(s, sub, manualAck)
}

// Len returns the number of queued messages for the given QoS.
func (s *Service) Len(qos byte) int {
	if qos == 0 {
		return s.qos0.Len()
	}
	return s.qos12.Len()
}

// AdmitQoS0 delivers msg to the matching flows with demand and queues it for
// the others. When the queue already holds receiveMaximum messages, the drop
// policy decides which message is discarded.
func (s *Service) AdmitQoS0(msg *Message, receiveMaximum int) {
	if receiveMaximum <= 0 {
		receiveMaximum = DefaultReceiveMaximum
	}
	if s.qos0.Len() >= receiveMaximum {
		s.recorder.RecordDropped(0, s.policy.String())
		if s.dropLog.Allow() {
			s.logger.Warn("qos 0 publish dropped",
				slog.String("policy", s.policy.String()),
				slog.String("topic", msg.Topic),
				slog.Int("queued", s.qos0.Len()))
		}
		if s.policy == DropNewest {
			return
		}
		s.dropOldest()
	}

	rec := s.admit(msg)
	if !rec.delivered() {
		s.qos0.PushBack(rec)
		s.recorder.RecordQueueDepth(0, 1)
	}
}

// AdmitQoS1Or2 admits a QoS 1 or 2 message. It returns false, without
// touching any state, if receiveMaximum messages are already pending; the
// broker violated flow control in that case.
func (s *Service) AdmitQoS1Or2(msg *Message, receiveMaximum int) bool {
	if receiveMaximum <= 0 {
		receiveMaximum = DefaultReceiveMaximum
	}
	if s.qos12.Len() >= receiveMaximum {
		s.recorder.RecordFlowControlViolation()
		return false
	}

	id := s.nextID
	s.nextID++
	rec := s.admit(msg)
	rec.id = id
	// Acknowledging ahead of queued messages would break arrival order.
	if s.qos12.Len() == 0 && rec.delivered() && rec.acknowledged() {
		s.ack(rec)
		return true
	}
	s.qos12.PushBack(rec)
	s.recorder.RecordQueueDepth(msg.QoS, 1)
	return true
}

// Drain delivers queued messages to every flow with demand and acknowledges
// the QoS 1 and 2 messages that became complete at the head of the queue.
// A Drain requested while draining runs another pass once the current one
// returns.
func (s *Service) Drain() {
	if s.draining {
		s.redrain = true
		return
	}
	s.draining = true
	defer func() {
		s.draining = false
	}()
	for {
		s.redrain = false
		s.drain()
		if !s.redrain {
			return
		}
	}
}

// Reset discards every queued message without acknowledging it and releases
// the flows they referenced. Used when the connection is gone.
func (s *Service) Reset() {
	for _, q := range []*handlelist.List[*record]{s.qos12, s.qos0} {
		for h, ok := q.Front(); ok; h, ok = q.Front() {
			rec, _ := q.Get(h)
			q.Remove(h)
			s.recorder.RecordQueueDepth(rec.msg.QoS, -1)
			s.releaseAll(rec)
		}
	}
}

func (s *Service) admit(msg *Message) *record {
	rec := newRecord(msg, s.matcher.FindMatching(msg))
	if rec.delivered() {
		s.logger.Warn("no publish flow registered", slog.String("topic", msg.Topic))
	}
	// Older messages go first.
	s.Drain()
	for h, ok := rec.flows.Front(); ok; h, ok = rec.flows.Next(h) {
		f, _ := rec.flows.Get(h)
		if f.reference() == 1 {
			s.referencedFlows++
		}
	}
	s.emit(rec)
	return rec
}

func (s *Service) drain() {
	s.epoch++
	s.blockingFlows = 0

	if s.drainQueue(s.qos12, true) {
		return
	}
	s.drainQueue(s.qos0, false)
}

// drainQueue reports whether it stopped because every referenced flow is
// blocked.
func (s *Service) drainQueue(q *handlelist.List[*record], needsAck bool) bool {
	head := true
	for h, ok := q.Front(); ok; {
		next, hasNext := q.Next(h)
		rec, live := q.Get(h)
		if !live {
			return false
		}
		s.emit(rec)
		if head && rec.delivered() && (!needsAck || rec.acknowledged()) {
			q.Remove(h)
			s.recorder.RecordQueueDepth(rec.msg.QoS, -1)
			if needsAck {
				s.ack(rec)
			}
		} else {
			head = false
			if s.blockingFlows == s.referencedFlows {
				return true
			}
		}
		h, ok = next, hasNext
	}
	return false
}

func (s *Service) emit(rec *record) {
	for h, ok := rec.flows.Front(); ok; {
		next, hasNext := rec.flows.Next(h)
		f, _ := rec.flows.Get(h)

		if f.IsCancelled() {
			rec.flows.Remove(h)
			s.release(f)
			h, ok = next, hasNext
			continue
		}

		switch n := f.consume(s.epoch); {
		case n > 0:
			d := Delivery{Message: rec.msg}
			if f.manualAck {
				if rec.msg.QoS == 0 {
					d.confirm = &qos0Confirmable{}
				} else {
					d.confirm = &confirmable{flow: f, rec: rec}
					rec.missingAcks++
					f.noteAckOwed()
				}
			}
			f.deliver(d)
			s.recorder.RecordDelivered(rec.msg.QoS)
			rec.flows.Remove(h)
			s.release(f)
		case n == 0:
			s.blockingFlows++
			if s.blockingFlows == s.referencedFlows {
				return
			}
		}
		h, ok = next, hasNext
	}
}

func (s *Service) dropOldest() {
	h, ok := s.qos0.Front()
	if !ok {
		return
	}
	rec, _ := s.qos0.Get(h)
	s.qos0.Remove(h)
	s.recorder.RecordQueueDepth(0, -1)
	s.releaseAll(rec)

	// Messages behind the dropped one may have been delivered already.
	for h, ok := s.qos0.Front(); ok; h, ok = s.qos0.Front() {
		rec, _ := s.qos0.Get(h)
		if !rec.delivered() {
			return
		}
		s.qos0.Remove(h)
		s.recorder.RecordQueueDepth(0, -1)
	}
}

func (s *Service) releaseAll(rec *record) {
	for h, ok := rec.flows.Front(); ok; h, ok = rec.flows.Front() {
		f, _ := rec.flows.Get(h)
		rec.flows.Remove(h)
		s.release(f)
	}
}

func (s *Service) release(f *Flow) {
	if f.dereference() == 0 {
		s.referencedFlows--
		f.reconcile()
	}
}

func (s *Service) ack(rec *record) {
	s.acker.Ack(rec.id, rec.msg)
	s.recorder.RecordAcknowledged(rec.msg.QoS)
}

func (s *Service) reportError(err error) {
	s.errSink(err)
}
