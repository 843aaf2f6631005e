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

// Package selector implements the split-threaded Selector runtime: a
// dedicated poll thread driving the kernel readiness API (epoll/kqueue)
// coupled to a serialized coordinator goroutine, with the waiter/permit/
// token discipline that hands events off to suspended callers exactly once.
package selector

import "fmt"

// Interest is a set over {read, write, priority}, canonical order fixed as
// read, write, priority throughout the package.
type Interest uint8

// Interest bits, in canonical order.
const (
	InterestRead Interest = 1 << iota
	InterestWrite
	InterestPriority
)

// interestBits lists the canonical iteration order used by Arm and event
// processing: read, then write, then priority.
var interestBits = [3]Interest{InterestRead, InterestWrite, InterestPriority}

// bitIndex maps a single-bit Interest to its slot in a registration's
// per-bit waiter/permit arrays.
func bitIndex(bit Interest) int {
	switch bit {
	case InterestRead:
		return 0
	case InterestWrite:
		return 1
	case InterestPriority:
		return 2
	default:
		panic(fmt.Sprintf("selector: not a single interest bit: %d", bit))
	}
}

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	s := ""
	if i&InterestRead != 0 {
		s += "R"
	}
	if i&InterestWrite != 0 {
		s += "W"
	}
	if i&InterestPriority != 0 {
		s += "P"
	}
	return s
}

// Flag is a superset of {error, hangup, read-hangup} carried by an Event.
type Flag uint8

// Flag bits.
const (
	FlagError Flag = 1 << iota
	FlagHangup
	FlagReadHangup
)

func (f Flag) String() string {
	if f == 0 {
		return "none"
	}
	s := ""
	if f&FlagError != 0 {
		s += "E"
	}
	if f&FlagHangup != 0 {
		s += "H"
	}
	if f&FlagReadHangup != 0 {
		s += "r"
	}
	return s
}

// ID is an opaque, scope-stamped registration identifier. The top 16 bits
// name the owning Selector's scope; the low 48 bits are a per-scope
// monotonic sequence, never reused within a scope.
type ID uint64

const scopeShift = 48

func newID(scope uint16, seq uint64) ID {
	return ID(uint64(scope)<<scopeShift | (seq & (1<<scopeShift - 1)))
}

// Scope returns the owning Selector's scope ordinal.
func (id ID) Scope() uint16 {
	return uint16(uint64(id) >> scopeShift)
}

// Event is a single readiness notification for a registration.
type Event struct {
	ID    ID
	Ready Interest
	Flags Flag
}
