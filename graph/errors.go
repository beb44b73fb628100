//
// Tencent is pleased to support the open source community by making trpc-finagent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-finagent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrThreadAlreadyRunning indicates a start on a thread with an active run.
	ErrThreadAlreadyRunning = errors.New("thread already running")
	// ErrNoPendingInterrupt indicates a resume on a thread with no active
	// interrupt, including a duplicate resume after a successful one.
	ErrNoPendingInterrupt = errors.New("no pending interrupt")
	// ErrNodeTimeout indicates a node exceeded its deadline.
	ErrNodeTimeout = errors.New("node timed out")
	// ErrCheckpointNotFound indicates no checkpoint exists for the thread.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrRunCancelled indicates the thread was cancelled while running.
	// In-flight node work gets a bounded grace to release resources, then is
	// abandoned with its partial state discarded.
	ErrRunCancelled = errors.New("run cancelled")
)

// InvalidResumePayloadError reports a resume payload that does not validate
// against the pending interrupt's schema.
type InvalidResumePayloadError struct {
	// Detail lists the validation failures, each citing the failing field.
	Detail []string
}

// Error implements the error interface.
func (e *InvalidResumePayloadError) Error() string {
	return fmt.Sprintf("invalid resume payload: %v", e.Detail)
}

// TransientError marks an error as retryable under the node retry policy.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped error.
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsRetryable reports whether err may be retried under a node policy:
// transient I/O failures and node timeouts, per the error taxonomy.
func IsRetryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient) || errors.Is(err, ErrNodeTimeout)
}
