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

// Package waiter provides the per-suspension waiter cell shared by the
// selector coordinator and the resource pool: a small atomic state machine
// with synchronous cancellation intent and exactly-once resumption.
package waiter

import (
	"errors"

	"go.uber.org/atomic"
)

// ErrAlreadyArmed is returned by Arm when the cell is armed or drained already.
var ErrAlreadyArmed = errors.New("waiter: already armed or drained")

// bit layout of the cell's atomic state. Bits are monotone: armed and
// drained never clear once set; cancelled never clears.
const (
	bitCancelled uint32 = 1 << iota
	bitArmed
	bitDrained
)

// Result is delivered to the parked goroutine exactly once.
type Result[T any] struct {
	Value     T
	Cancelled bool
}

// Waiter is a one-shot suspension cell. The zero value is not usable; use New.
//
// The channel IS the suspension handle: the goroutine that calls Arm and
// then Wait parks on a channel receive, so no separate continuation needs
// to be captured the way a callback-based runtime would.
type Waiter[T any] struct {
	state  atomic.Uint32
	resume chan Result[T]
}

// New creates an unarmed waiter cell.
func New[T any]() *Waiter[T] {
	return &Waiter[T]{resume: make(chan Result[T], 1)}
}

// Arm performs the one-shot unarmed->armed (or cancelledUnarmed->armedCancelled)
// transition. It must be called at most once per cell.
func (w *Waiter[T]) Arm() error {
	for {
		old := w.state.Load()
		if old&(bitArmed|bitDrained) != 0 {
			return ErrAlreadyArmed
		}
		next := old | bitArmed
		if w.state.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// Cancel sets the cancelled bit. It never resumes the waiter directly —
// resumption is always funnelled through TakeForResume by the coordinator.
// Safe to call from any goroutine, including a context cancellation callback,
// and safe to race freely against Arm and TakeForResume.
func (w *Waiter[T]) Cancel() {
	for {
		old := w.state.Load()
		if old&bitDrained != 0 {
			return
		}
		next := old | bitCancelled
		if next == old {
			return
		}
		if w.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// TakeForResume is coordinator-only. If the cell is armed and not yet
// drained, it transitions to drained (or cancelledDrained) and reports
// whether cancellation was observed. Exactly one call per cell lifetime
// returns ok == true.
func (w *Waiter[T]) TakeForResume() (wasCancelled bool, ok bool) {
	for {
		old := w.state.Load()
		if old&bitDrained != 0 || old&bitArmed == 0 {
			return false, false
		}
		next := old | bitDrained
		if w.state.CompareAndSwap(old, next) {
			return old&bitCancelled != 0, true
		}
	}
}

// Resume delivers the result to the parked goroutine. Must only be called
// once, and only after a successful TakeForResume, by the coordinator —
// never from Cancel, never while holding an internal lock.
func (w *Waiter[T]) Resume(v Result[T]) {
	w.resume <- v
}

// Wait blocks the calling goroutine until Resume is called.
func (w *Waiter[T]) Wait() Result[T] {
	return <-w.resume
}

// Cancelled reports whether the cancelled bit is currently set.
func (w *Waiter[T]) Cancelled() bool {
	return w.state.Load()&bitCancelled != 0
}

// Drained reports whether the cell has been drained.
func (w *Waiter[T]) Drained() bool {
	return w.state.Load()&bitDrained != 0
}
