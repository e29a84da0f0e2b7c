// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package incoming

import "errors"

// Dispatch errors.
var (
	ErrAlreadyAcknowledged = errors.New("message already acknowledged")
	ErrAutoAcknowledged    = errors.New("flow acknowledges automatically")
	ErrDuplicateCompletion = errors.New("flow already completed")
	ErrInvalidDropPolicy   = errors.New("invalid qos 0 drop policy (must be oldest or newest)")

	ErrNilExecutor = errors.New("executor cannot be nil")
	ErrNilAcker    = errors.New("acker cannot be nil")
	ErrNilMatcher  = errors.New("matcher cannot be nil")
)
