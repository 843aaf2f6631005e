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

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"trpc.group/trpc-go/aio/internal/waiter"
	"trpc.group/trpc-go/aio/log"
	"trpc.group/trpc-go/aio/metrics"
)

// lifecycle mirrors spec §4.6's running/shuttingDown/shutdown states.
type lifecycle int32

const (
	lifecycleRunning lifecycle = iota
	lifecycleShuttingDown
	lifecycleShutdown
)

// armResult is what a registration's waiter is resumed with: either a
// delivered Event, or a shutdown notice. Caller-initiated cancellation is
// carried by waiter.Result.Cancelled instead, since that is the waiter
// cell's own orthogonal concept (spec §4.5).
type armResult struct {
	event    Event
	shutdown bool
}

var scopeCounter atomic.Uint32

// Selector is the serialized coordinator of spec §4.6: a single logical
// execution domain owning the registration table, waiters, and permit
// cache. The "serialized execution domain" is realized as a mutex guarding
// that state, not a goroutine reading a closure channel: every mutation of
// regs/waiters/permits already funnels through s.mu, so the ownership
// invariant spec.md requires holds regardless of which goroutine happens
// to be executing it. See DESIGN.md for the registry/selector entry.
type Selector struct {
	scope    uint16
	driver   Driver
	requests chan request
	bridge   *eventBridge
	shutdown atomic.Bool
	loop     *pollLoop
	evDone   chan struct{}

	mu      sync.Mutex
	regs    map[ID]*registration
	nextSeq uint64
	state   atomic.Int32
}

// New creates a Selector backed by the platform's native Driver (epoll on
// Linux, kqueue on BSD/Darwin) and starts its poll thread and
// event-processing loop.
func New() (*Selector, error) {
	driver, err := NewDriver()
	if err != nil {
		return nil, err
	}
	return newWithDriver(driver)
}

func newWithDriver(driver Driver) (*Selector, error) {
	s := &Selector{
		scope:    uint16(scopeCounter.Inc()),
		driver:   driver,
		requests: make(chan request, 256),
		bridge:   newEventBridge(),
		regs:     make(map[ID]*registration),
		nextSeq:  1, // 0 is reserved: epoll's wakeup fd carries Data==0.
		evDone:   make(chan struct{}),
	}
	s.loop = newPollLoop(driver, s.requests, s.bridge, &s.shutdown)
	go s.loop.run()
	go s.processEvents()
	return s, nil
}

func (s *Selector) running() bool {
	return lifecycle(s.state.Load()) == lifecycleRunning
}

func (s *Selector) wake() error {
	return NewPlatformError("wake", s.driver.Wake())
}

// Register implements spec §4.6.1.
func (s *Selector) Register(fd int, interest Interest) (ID, Token, error) {
	if interest == 0 {
		return 0, Token{}, ErrEmptyInterest
	}
	if !s.running() {
		return 0, Token{}, ErrShutdownInProgress
	}

	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()
	id := newID(s.scope, seq)

	reply := make(chan error, 1)
	s.requests <- request{kind: reqRegister, fd: fd, id: rawID(id), interest: interest, reply: reply}
	if err := s.wake(); err != nil {
		return 0, Token{}, err
	}
	if err := <-reply; err != nil {
		return 0, Token{}, NewPlatformError("register", err)
	}

	s.mu.Lock()
	s.regs[id] = newRegistration(fd, interest)
	s.mu.Unlock()

	return id, newToken(id, PhaseRegistering), nil
}

// Arm implements spec §4.6.2. ctx governs cancellation: its Done channel
// is the Go stand-in for the synchronous cancellation callback spec.md
// describes (§9 design note).
func (s *Selector) Arm(ctx context.Context, tok Token, interest Interest) (Token, Event, error) {
	if err := tok.consume(PhaseRegistering, PhaseArmed); err != nil {
		return Token{}, Event{}, err
	}
	if !s.running() {
		return Token{}, Event{}, ErrShutdownInProgress
	}
	id := tok.ID()
	if id.Scope() != s.scope {
		return Token{}, Event{}, ErrForeignID
	}

	s.mu.Lock()
	reg, ok := s.regs[id]
	if !ok {
		s.mu.Unlock()
		return Token{}, Event{}, ErrUnknownID
	}

	// Permits take priority over issuing a fresh arm (spec §4.6.2 step 2):
	// this guarantees events arriving between register and arm are never
	// lost. Canonical bit order: read, write, priority.
	for _, bit := range interestBits {
		if interest&bit == 0 {
			continue
		}
		if flags, hit := reg.permitAt(bit); hit {
			reg.clearPermit(bit)
			s.mu.Unlock()
			metrics.Add(metrics.SelectorPermitHits, 1)
			return tok.advance(), Event{ID: id, Ready: bit, Flags: flags}, nil
		}
	}

	w := waiter.New[armResult]()
	for _, bit := range interestBits {
		if interest&bit != 0 {
			reg.setWaiter(bit, w)
		}
	}
	if err := w.Arm(); err != nil {
		s.mu.Unlock()
		return Token{}, Event{}, ErrTokenMisuse
	}
	reg.interest |= interest
	fd := reg.fd
	s.mu.Unlock()
	metrics.Add(metrics.SelectorPermitMisses, 1)

	stopCancel := make(chan struct{})
	defer close(stopCancel)
	go func() {
		select {
		case <-ctx.Done():
			s.cancelArm(id, w)
		case <-stopCancel:
		}
	}()

	s.requests <- request{kind: reqArm, fd: fd, id: rawID(id), interest: interest}
	if err := s.wake(); err != nil {
		return Token{}, Event{}, err
	}

	res := w.Wait()
	if res.Cancelled {
		metrics.Add(metrics.SelectorWaiterCancellations, 1)
		return Token{}, Event{}, ErrCancelled
	}
	if res.Value.shutdown {
		return Token{}, Event{}, ErrShutdownInProgress
	}
	return tok.advance(), res.Value.event, nil
}

// cancelArm funnels a ctx-cancelled Arm's resume through the coordinator,
// the same way dispatchEvent and Shutdown do. Cancel alone never resumes a
// waiter (waiter.Waiter's own contract); without this, a parked Arm whose
// ctx is done and for which no kernel event ever arrives would block
// forever in w.Wait() (spec §8 scenario 3, invariant 2(c)).
//
// TakeForResume's exactly-once CAS makes this race-safe against a kernel
// event landing on the same cell: whichever of dispatchEvent and cancelArm
// calls TakeForResume first wins, the loser finds took == false and does
// nothing.
func (s *Selector) cancelArm(id ID, w *waiter.Waiter[armResult]) {
	w.Cancel()

	s.mu.Lock()
	reg, ok := s.regs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	cancelled, took := w.TakeForResume()
	if took {
		clearWaiterEverywhere(reg, w)
	}
	s.mu.Unlock()

	if took {
		w.Resume(waiter.Result[armResult]{Cancelled: cancelled})
	}
}

// Modify implements spec §3 and §4.6's modify operation: interest may be
// changed while a registration exists, in either token phase (an arm cycle
// in flight is unaffected; the new interest takes effect on the next arm).
// Like Split, Modify consumes tok and reissues a fresh token of the same
// phase for the same registration, since unlike Deregister the caller goes
// on to use the registration afterwards.
//
// Permits for bits dropped from interest are purged at the point of modify
// (spec §9 "Permit storage under modify"), so a stale permit from the old
// interest set can never be handed out under the new one.
func (s *Selector) Modify(tok Token, interest Interest) (Token, error) {
	if interest == 0 {
		return Token{}, ErrEmptyInterest
	}
	phase := tok.Phase()
	if err := tok.consume(PhaseRegistering, PhaseArmed); err != nil {
		return Token{}, err
	}
	if !s.running() {
		return Token{}, ErrShutdownInProgress
	}
	id := tok.ID()
	if id.Scope() != s.scope {
		return Token{}, ErrForeignID
	}

	s.mu.Lock()
	reg, ok := s.regs[id]
	if !ok {
		s.mu.Unlock()
		return Token{}, ErrUnknownID
	}
	reg.purgePermitsOutside(interest)
	reg.interest = interest
	fd := reg.fd
	s.mu.Unlock()

	reply := make(chan error, 1)
	s.requests <- request{kind: reqModify, fd: fd, id: rawID(id), interest: interest, reply: reply}
	if err := s.wake(); err != nil {
		return Token{}, err
	}
	if err := <-reply; err != nil {
		return Token{}, NewPlatformError("modify", err)
	}

	return newToken(id, phase), nil
}

// Deregister implements spec §4.6.4. It accepts a token in either phase:
// a channel that closes before ever needing to arm (every read/write
// satisfied by the fast path) still only holds Registering-phase tokens,
// and that is a legitimate point to deregister from.
func (s *Selector) Deregister(tok Token) error {
	if err := tok.consume(PhaseRegistering, PhaseArmed); err != nil {
		return err
	}
	id := tok.ID()
	if id.Scope() != s.scope {
		return ErrForeignID
	}

	s.mu.Lock()
	reg, ok := s.regs[id]
	if ok {
		delete(s.regs, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownID
	}

	reply := make(chan error, 1)
	s.requests <- request{kind: reqDeregister, fd: reg.fd, id: rawID(id), reply: reply}
	if err := s.wake(); err != nil {
		return err
	}
	if err := <-reply; err != nil {
		return NewPlatformError("deregister", err)
	}
	return nil
}

// Shutdown implements spec §4.6.5.
func (s *Selector) Shutdown() {
	if !s.state.CompareAndSwap(int32(lifecycleRunning), int32(lifecycleShuttingDown)) {
		return
	}
	s.shutdown.Store(true)
	if err := s.wake(); err != nil {
		log.Warnf("aio/selector: wake during shutdown: %v", err)
	}

	s.mu.Lock()
	var resumes []*waiter.Waiter[armResult]
	for _, reg := range s.regs {
		for _, bit := range interestBits {
			w := reg.waiterAt(bit)
			if w == nil {
				continue
			}
			if _, took := w.TakeForResume(); took {
				resumes = append(resumes, w)
			}
			reg.clearWaiter(bit)
		}
	}
	s.mu.Unlock()
	metrics.Add(metrics.SelectorShutdownResumes, uint64(len(resumes)))
	for _, w := range resumes {
		w.Resume(waiter.Result[armResult]{Value: armResult{shutdown: true}})
	}

	s.mu.Lock()
	for id, reg := range s.regs {
		s.requests <- request{kind: reqDeregister, fd: reg.fd, id: rawID(id)}
		delete(s.regs, id)
	}
	s.mu.Unlock()

	s.bridge.shutdown()
	<-s.loop.done
	<-s.evDone
	s.state.Store(int32(lifecycleShutdown))
}

// processEvents is the coordinator's event-processing loop (spec §4.6.3),
// draining the event bridge until shutdown.
func (s *Selector) processEvents() {
	defer close(s.evDone)
	for {
		batch, ok := s.bridge.next()
		if !ok {
			return
		}
		for _, ev := range batch {
			s.dispatchEvent(ev)
		}
	}
}

func (s *Selector) dispatchEvent(ev Event) {
	type pending struct {
		w   *waiter.Waiter[armResult]
		res waiter.Result[armResult]
	}
	var resumes []pending

	s.mu.Lock()
	reg, ok := s.regs[ev.ID]
	if ok {
		for _, bit := range interestBits {
			if ev.Ready&bit == 0 {
				continue
			}
			w := reg.waiterAt(bit)
			if w != nil {
				if cancelled, took := w.TakeForResume(); took {
					clearWaiterEverywhere(reg, w)
					resumes = append(resumes, pending{
						w: w,
						res: waiter.Result[armResult]{
							Cancelled: cancelled,
							Value:     armResult{event: Event{ID: ev.ID, Ready: bit, Flags: ev.Flags}},
						},
					})
					continue
				}
				reg.clearWaiter(bit)
			}
			reg.setPermit(bit, ev.Flags)
		}
	}
	s.mu.Unlock()

	for _, p := range resumes {
		p.w.Resume(p.res)
	}
}

func clearWaiterEverywhere(reg *registration, w *waiter.Waiter[armResult]) {
	for _, bit := range interestBits {
		if reg.waiterAt(bit) == w {
			reg.clearWaiter(bit)
		}
	}
}
