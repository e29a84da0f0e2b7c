// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package incoming

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// manualExecutor queues tasks until the test runs them, standing in for the
// event loop.
type manualExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (e *manualExecutor) Execute(task func()) {
	e.mu.Lock()
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()
}

func (e *manualExecutor) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// run executes queued tasks, including the ones they schedule, until the
// queue is empty.
func (e *manualExecutor) run() int {
	n := 0
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return n
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()
		task()
		n++
	}
}

type ackRecorder struct {
	ids    []uint64
	topics []string
}

func (a *ackRecorder) Ack(id uint64, msg *Message) {
	a.ids = append(a.ids, id)
	a.topics = append(a.topics, msg.Topic)
}

type recordingSub struct {
	deliveries []Delivery
	events     []string
	err        error
	onNext     func(Delivery)
}

func (s *recordingSub) OnNext(d Delivery) {
	s.deliveries = append(s.deliveries, d)
	s.events = append(s.events, "next")
	if s.onNext != nil {
		s.onNext(d)
	}
}

func (s *recordingSub) OnComplete() {
	s.events = append(s.events, "complete")
}

func (s *recordingSub) OnError(err error) {
	s.err = err
	s.events = append(s.events, "error")
}

func (s *recordingSub) payloads() []string {
	ret := make([]string, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		ret = append(ret, string(d.Message.Payload))
	}
	return ret
}

type countingRecorder struct {
	delivered    map[byte]int
	dropped      map[string]int
	violations   int
	acknowledged map[byte]int
	depth        map[byte]int64
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		delivered:    make(map[byte]int),
		dropped:      make(map[string]int),
		acknowledged: make(map[byte]int),
		depth:        make(map[byte]int64),
	}
}

func (r *countingRecorder) RecordDelivered(qos byte) { r.delivered[qos]++ }
func (r *countingRecorder) RecordDropped(_ byte, reason string) { r.dropped[reason]++ }
func (r *countingRecorder) RecordFlowControlViolation() { r.violations++ }
func (r *countingRecorder) RecordAcknowledged(qos byte) { r.acknowledged[qos]++ }
func (r *countingRecorder) RecordQueueDepth(qos byte, d int64) { r.depth[min(qos, 1)] += d }

type testEnv struct {
	exec     *manualExecutor
	acks     *ackRecorder
	flows    *Flows
	recorder *countingRecorder
	errs     []error
	svc      *Service
}

func newTestEnv(t *testing.T, policy DropPolicy) *testEnv {
	t.Helper()

	e := &testEnv{
		exec:     &manualExecutor{},
		acks:     &ackRecorder{},
		flows:    NewFlows(),
		recorder: newCountingRecorder(),
	}
	svc, err := NewService(Config{
		Executor:   e.exec,
		Acker:      e.acks,
		Matcher:    e.flows,
		DropPolicy: policy,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Recorder:   e.recorder,
		ErrorSink:  func(err error) { e.errs = append(e.errs, err) },
	})
	require.NoError(t, err)
	e.svc = svc
	return e
}

func (e *testEnv) subscribe(t *testing.T, manualAck bool, filters ...string) (*Flow, *recordingSub) {
	t.Helper()

	sub := &recordingSub{}
	f := e.svc.NewFlow(sub, manualAck)
	for _, filter := range filters {
		require.NoError(t, e.flows.Subscribe(filter, f))
	}
	return f, sub
}

func msg(topic, payload string, qos byte) *Message {
	return NewMessage(topic, []byte(payload), qos, false)
}
