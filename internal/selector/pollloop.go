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
	"runtime"

	"go.uber.org/atomic"

	"trpc.group/trpc-go/aio/log"
)

// maxEventsPerWait sizes the poll loop's reusable output buffer, mirroring
// the teacher's defaultEventCount.
const maxEventsPerWait = 64

// GoschedAfterEvent mirrors the teacher's poller.GoschedAfterEvent: when
// set, every poll loop yields the OS thread after delivering a batch of
// events, giving woken-up goroutines a chance to run before the next
// Poll call. Must be set before any Selector is created.
var GoschedAfterEvent = false

// pollLoop owns the driver handle exclusively and runs on its own OS
// thread (spec §4.4). It drains the request queue, blocks in the driver's
// Poll, publishes event batches to the bridge, and honors shutdown.
type pollLoop struct {
	driver   Driver
	requests chan request
	bridge   *eventBridge
	shutdown *atomic.Bool
	done     chan struct{}
}

func newPollLoop(driver Driver, requests chan request, bridge *eventBridge, shutdown *atomic.Bool) *pollLoop {
	return &pollLoop{driver: driver, requests: requests, bridge: bridge, shutdown: shutdown, done: make(chan struct{})}
}

func (p *pollLoop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.done)

	buf := make([]Event, maxEventsPerWait)
	for {
		if p.shutdown.Load() {
			break
		}
		p.drainRequests()
		n, err := p.driver.Poll(NoDeadline, buf)
		if err != nil {
			log.Errorf("aio/selector: poll error, shutting down event bridge: %v", err)
			p.bridge.shutdown()
			return
		}
		if n > 0 {
			batch := make([]Event, n)
			copy(batch, buf[:n])
			p.bridge.push(batch)
			if GoschedAfterEvent {
				runtime.Gosched()
			}
		}
	}
	p.shutdownTail()
}

// drainRequests handles every request queued by the coordinator so far,
// without blocking for more.
func (p *pollLoop) drainRequests() {
	for {
		select {
		case req := <-p.requests:
			p.handle(req)
		default:
			return
		}
	}
}

func (p *pollLoop) handle(req request) {
	switch req.kind {
	case reqRegister:
		req.replyTo(p.driver.Register(req.fd, req.interest, req.id))
	case reqModify:
		req.replyTo(p.driver.Modify(req.id, req.fd, req.interest))
	case reqDeregister:
		req.replyTo(p.driver.Deregister(req.id, req.fd))
	case reqArm:
		if err := p.driver.Arm(req.id, req.fd, req.interest); err != nil {
			log.Debugf("aio/selector: fire-and-forget arm failed for id=%d: %v", req.id, err)
		}
	}
}

// shutdownTail drains any remaining deregistration requests (ignoring
// errors), rejects register/modify with a typed shutdown reply, then
// closes the driver handle (spec §4.4 "Shutdown tail").
func (p *pollLoop) shutdownTail() {
	for {
		select {
		case req := <-p.requests:
			switch req.kind {
			case reqDeregister:
				_ = p.driver.Deregister(req.id, req.fd)
				req.replyTo(nil)
			case reqRegister, reqModify:
				req.replyTo(ErrShutdownInProgress)
			case reqArm:
				// fire-and-forget, nothing to reply.
			}
		default:
			p.driver.Close()
			return
		}
	}
}
