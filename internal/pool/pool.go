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

// Package pool implements the resource pool collaborator (spec.md §4.8):
// an actor-isolated map from handle ID to entry, each carrying a resource
// and a bounded waiter FIFO, with a reservation-by-token check-in/out
// protocol that reuses the selector's waiter primitive.
package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"

	"trpc.group/trpc-go/aio/internal/waiter"
	"trpc.group/trpc-go/aio/metrics"
)

// DefaultWaiterCapacity is the per-handle waiter FIFO capacity used when
// New is given a non-positive capacity.
const DefaultWaiterCapacity = 64

var (
	// ErrWaitersFull is returned by a checkout that would exceed the
	// handle's waiter FIFO capacity.
	ErrWaitersFull = errors.New("pool: waiter queue full")
	// ErrCancelled is returned when ctx is already done at the point a
	// checkout would have to queue, or becomes done while it is queued.
	ErrCancelled = errors.New("pool: transaction cancelled")
	// ErrInvalidID is returned for a handle with no entry, or one that has
	// been destroyed.
	ErrInvalidID = errors.New("pool: unknown or destroyed handle id")
	// ErrClosed is returned by any operation on a closed Pool.
	ErrClosed = errors.New("pool: closed")
	// ErrAlreadyCheckedOut is returned by Put when the handle is currently
	// checked out; Put must not clobber a resource in flight.
	ErrAlreadyCheckedOut = errors.New("pool: handle already checked out")
)

// ID identifies a pool entry (spec.md's Handle.ID).
type ID uint64

type state uint8

const (
	statePresent state = iota
	stateCheckedOut
)

type pendingWaiter[T any] struct {
	w *waiter.Waiter[T]
}

type entry[T any] struct {
	state          state
	resource       T
	pendingDestroy bool
	waiters        []*pendingWaiter[T]
}

// Pool is an actor-isolated map from ID to a checked-out-or-present
// resource entry, plus a blocking lane used to run transaction bodies
// (spec.md §4.8).
type Pool[T any] struct {
	mu        sync.Mutex
	entries   map[ID]*entry[T]
	waiterCap int
	lane      *ants.PoolWithFunc
	closed    atomic.Bool
}

// New creates a Pool whose per-handle waiter FIFO has capacity waiterCap
// (DefaultWaiterCapacity if waiterCap <= 0).
func New[T any](waiterCap int) (*Pool[T], error) {
	if waiterCap <= 0 {
		waiterCap = DefaultWaiterCapacity
	}
	lane, err := ants.NewPoolWithFunc(0, func(v any) {
		v.(func())()
	})
	if err != nil {
		return nil, err
	}
	return &Pool[T]{
		entries:   make(map[ID]*entry[T]),
		waiterCap: waiterCap,
		lane:      lane,
	}, nil
}

// Put registers or replaces the resource stored under id. It fails with
// ErrAlreadyCheckedOut if id is currently checked out, so a concurrent
// transaction's resource is never clobbered out from under it.
func (p *Pool[T]) Put(id ID, resource T) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok && e.state == stateCheckedOut {
		return ErrAlreadyCheckedOut
	}
	p.entries[id] = &entry[T]{state: statePresent, resource: resource}
	return nil
}

// Remove destroys the entry for id. If the resource is idle, it is
// dropped immediately; if checked out, destruction is deferred until the
// in-flight Transaction checks it back in. Any queued waiters are woken
// with ErrCancelled semantics (their Wait() reports Cancelled).
func (p *Pool[T]) Remove(id ID) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if e.state == statePresent {
		delete(p.entries, id)
		waiters := e.waiters
		p.mu.Unlock()
		resumeCancelled(waiters)
		return
	}
	e.pendingDestroy = true
	p.mu.Unlock()
}

// Transaction implements spec.md §4.8: it checks id out exclusively, runs
// body on the pool's blocking lane, and checks the entry back in
// regardless of body's outcome.
func (p *Pool[T]) Transaction(ctx context.Context, id ID, body func(context.Context, T) error) error {
	if p.closed.Load() {
		return ErrClosed
	}
	resource, err := p.checkout(ctx, id)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	if err := p.lane.Invoke(func() {
		errCh <- body(ctx, resource)
	}); err != nil {
		p.checkin(id, resource)
		return err
	}
	bodyErr := <-errCh
	p.checkin(id, resource)
	return bodyErr
}

// checkout implements the check-out algorithm of spec.md §4.8.
func (p *Pool[T]) checkout(ctx context.Context, id ID) (T, error) {
	var zero T

	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return zero, ErrInvalidID
	}
	if e.state == statePresent {
		e.state = stateCheckedOut
		resource := e.resource
		p.mu.Unlock()
		return resource, nil
	}

	select {
	case <-ctx.Done():
		p.mu.Unlock()
		return zero, ErrCancelled
	default:
	}
	if len(e.waiters) >= p.waiterCap {
		p.mu.Unlock()
		return zero, ErrWaitersFull
	}

	w := waiter.New[T]()
	if err := w.Arm(); err != nil {
		p.mu.Unlock()
		return zero, err
	}
	e.waiters = append(e.waiters, &pendingWaiter[T]{w: w})
	p.mu.Unlock()
	metrics.Add(metrics.PoolCheckoutWaits, 1)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			w.Cancel()
			p.mu.Lock()
			_, took := w.TakeForResume()
			p.mu.Unlock()
			if took {
				w.Resume(waiter.Result[T]{Cancelled: true})
			}
		case <-stop:
		}
	}()

	res := w.Wait()
	if res.Cancelled {
		return zero, ErrCancelled
	}
	return res.Value, nil
}

// checkin implements the check-in algorithm of spec.md §4.8: reservation
// by token is realized by handing the resource directly through the
// woken waiter's own Result payload (see DESIGN.md) rather than publishing
// a separate reserved(token) state for the waiter to re-read, since the
// mutex already serializes "decide who wins" and the channel send already
// carries the payload to exactly one goroutine.
func (p *Pool[T]) checkin(id ID, resource T) {
	type resumeMsg struct {
		w   *waiter.Waiter[T]
		res waiter.Result[T]
	}
	var resumes []resumeMsg

	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if e.pendingDestroy {
		delete(p.entries, id)
		waiters := e.waiters
		p.mu.Unlock()
		resumeCancelled(waiters)
		return
	}

	handedOff := false
	for len(e.waiters) > 0 {
		pw := e.waiters[0]
		e.waiters = e.waiters[1:]
		cancelled, took := pw.w.TakeForResume()
		if !took {
			continue
		}
		if cancelled {
			resumes = append(resumes, resumeMsg{w: pw.w, res: waiter.Result[T]{Cancelled: true}})
			continue
		}
		e.state = stateCheckedOut
		resumes = append(resumes, resumeMsg{w: pw.w, res: waiter.Result[T]{Value: resource}})
		handedOff = true
		break
	}
	if !handedOff {
		e.state = statePresent
		e.resource = resource
	}
	p.mu.Unlock()

	for _, r := range resumes {
		if !r.res.Cancelled {
			metrics.Add(metrics.PoolReservations, 1)
		}
		r.w.Resume(r.res)
	}
}

func resumeCancelled[T any](waiters []*pendingWaiter[T]) {
	for _, pw := range waiters {
		if _, took := pw.w.TakeForResume(); took {
			pw.w.Resume(waiter.Result[T]{Cancelled: true})
		}
	}
}

// Close releases the pool's blocking lane and wakes every queued waiter
// with cancellation. Idempotent.
func (p *Pool[T]) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	var all []*pendingWaiter[T]
	for id, e := range p.entries {
		all = append(all, e.waiters...)
		delete(p.entries, id)
	}
	p.mu.Unlock()
	resumeCancelled(all)
	p.lane.Release()
}
