//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 THL A29 Limited, a Tencent company.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package selector

import "errors"

// Lifecycle errors take precedence over operational failures wherever
// they apply (spec §7): they are produced at the outermost boundary of a
// public Selector operation, never carried as a wrapped platform error.
var (
	// ErrShutdownInProgress is returned by any public operation once
	// shutdown has been requested, and delivered to waiters drained by
	// shutdown.
	ErrShutdownInProgress = errors.New("selector: shutdown in progress")
	// ErrCancelled is delivered to a waiter whose cancellation bit was
	// observed at resumption.
	ErrCancelled = errors.New("selector: arm cancelled")
)

// Registration errors.
var (
	ErrForeignID     = errors.New("selector: id belongs to a different selector scope")
	ErrUnknownID     = errors.New("selector: unknown registration id")
	ErrEmptyInterest = errors.New("selector: interest must be non-empty")
)

// ErrTokenMisuse is an internal-invariant violation: a token was consumed
// twice, or consumed in the wrong phase. In release builds this degrades
// to a plain error rather than undefined behavior.
var ErrTokenMisuse = errors.New("selector: token used twice or in the wrong phase")

// PlatformError wraps an OS error code verbatim, produced by driver
// operations. It is not wrapped further until it crosses the facade
// boundary.
type PlatformError struct {
	Op  string
	Err error
}

func (e *PlatformError) Error() string {
	return "selector: " + e.Op + ": " + e.Err.Error()
}

func (e *PlatformError) Unwrap() error { return e.Err }

// NewPlatformError wraps err (nil-safe: returns nil for a nil err).
func NewPlatformError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PlatformError{Op: op, Err: err}
}
