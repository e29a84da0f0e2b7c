// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package incoming

import (
	"log/slog"
	"sync/atomic"
)

type confirmer interface {
	confirm() error
}

// confirmable is handed out with every QoS 1 and 2 delivery to a flow with
// manual acknowledgement. It can be confirmed once, from any goroutine.
type confirmable struct {
	flow *Flow
	rec  *record
	done atomic.Bool
}

func (c *confirmable) confirm() error {
	if !c.done.CompareAndSwap(false, true) {
		c.flow.svc.logger.Debug("message acknowledged more than once",
			slog.String("flow", c.flow.id.String()),
			slog.String("topic", c.rec.msg.Topic),
			slog.Uint64("id", c.rec.id))
		return ErrAlreadyAcknowledged
	}
	c.flow.svc.exec.Execute(c.run)
	return nil
}

func (c *confirmable) run() {
	c.flow.acknowledge(c.rec.acknowledge())
}

// qos0Confirmable keeps the single use contract without bookkeeping.
type qos0Confirmable struct {
	done atomic.Bool
}

func (c *qos0Confirmable) confirm() error {
	if !c.done.CompareAndSwap(false, true) {
		return ErrAlreadyAcknowledged
	}
	return nil
}
