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

import "time"

// rawID is the driver-level correlation key threaded through the kernel
// event table: the low-level analogue of ID without the scope-tagging the
// coordinator layers on top.
type rawID = uint64

// NoDeadline means Poll blocks until a registered event or Wake.
const NoDeadline = time.Duration(-1)

// Driver is the synchronous contract a Selector's poll loop drives against
// a concrete OS readiness mechanism (epoll or kqueue). Every operation
// except Wake is called only from the poll-loop goroutine; Wake is safe
// from any goroutine (spec §4.1).
type Driver interface {
	// Register starts monitoring fd for interest, returning the driver-level
	// id used to correlate future events. One-shot: the kernel disarms the
	// registration after the first delivered event (EV_DISPATCH/EPOLLONESHOT
	// or an emulation of it).
	Register(fd int, interest Interest, id rawID) error
	// Modify changes a registration's interest set.
	Modify(id rawID, fd int, interest Interest) error
	// Deregister stops monitoring id. ENOENT-equivalent errors are
	// tolerated (idempotent at this layer).
	Deregister(id rawID, fd int) error
	// Arm re-enables one-shot delivery for id without changing interest.
	Arm(id rawID, fd int, interest Interest) error
	// Poll blocks until deadline elapses, an event arrives, or Wake is
	// called, filling out with delivered events and returning the count.
	// EINTR is retried internally and never observed by the caller.
	Poll(deadline time.Duration, out []Event) (int, error)
	// Wake breaks a concurrent Poll call out of its block. Safe from any
	// goroutine.
	Wake() error
	// Close releases the driver's kernel resources. Errors are swallowed
	// (spec §4.1: "swallowed").
	Close()
}
