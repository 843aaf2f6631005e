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

package tnet

import "github.com/pkg/errors"

// Facade-level typed errors (error handling design, kinds not type
// names): lifecycle errors take precedence over operational failures and
// are produced at the outermost boundary of a public operation.
var (
	// ErrClosed is returned by any operation on a channel that has already
	// been closed, or whose write half has been shut down.
	ErrClosed = errors.New("tnet: channel closed")
	// ErrCancelled is returned when the selector reports a blocking
	// operation's waiter as cancelled while its governing context is not
	// done. When the context is done, its own error (context.Canceled or
	// context.DeadlineExceeded) is returned instead.
	ErrCancelled = errors.New("tnet: operation cancelled")
	// ErrWaitersFull mirrors pool.ErrWaitersFull at the facade boundary.
	ErrWaitersFull = errors.New("tnet: waiter queue full")
)

// PlatformError carries an OS error verbatim, produced by a syscall made
// directly by the facade (as opposed to one made inside the selector
// driver, which wraps its own selector.PlatformError).
type PlatformError struct {
	Op  string
	Err error
}

func (e *PlatformError) Error() string {
	return "tnet: " + e.Op + ": " + e.Err.Error()
}

func (e *PlatformError) Unwrap() error { return e.Err }

// NewPlatformError wraps err (nil-safe: returns nil for a nil err).
func NewPlatformError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PlatformError{Op: op, Err: err}
}
