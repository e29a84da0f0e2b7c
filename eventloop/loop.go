// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package eventloop runs tasks one at a time, in submission order, on a
// single goroutine.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by Stop when the loop was already stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop owns one goroutine that executes submitted tasks. Execute never blocks:
// the task queue grows as needed.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []func()
	stopped bool
	started bool

	wake    chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

// New creates a loop. Call Start to begin executing tasks.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling it again has no effect.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run()
}

// Execute schedules task. Tasks submitted after Stop are dropped.
func (l *Loop) Execute(task func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.dropped.Add(1)
		l.logger.Debug("task submitted to stopped event loop dropped")
		return
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Dropped returns the number of tasks submitted after Stop.
func (l *Loop) Dropped() uint64 {
	return l.dropped.Load()
}

// Stop rejects new tasks and waits until the queued ones ran or ctx expires.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.stopped = true
	started := l.started
	l.mu.Unlock()

	if !started {
		close(l.done)
		return nil
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for event loop: %w", ctx.Err())
	}
}

func (l *Loop) run() {
	defer close(l.done)

	var batch []func()
	for {
		l.mu.Lock()
		batch, l.tasks = l.tasks, batch[:0]
		stopped := l.stopped
		l.mu.Unlock()

		if len(batch) == 0 {
			if stopped {
				return
			}
			<-l.wake
			continue
		}
		for i, task := range batch {
			l.execute(task)
			batch[i] = nil
		}
	}
}

func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", slog.Any("panic", r))
		}
	}()
	task()
}
