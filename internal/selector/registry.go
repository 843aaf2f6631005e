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

import "trpc.group/trpc-go/aio/internal/waiter"

// registration is the coordinator-owned table entry for one registered
// descriptor (spec §3 "Registration Entry"): the fd, its current interest,
// one waiter slot per interest bit, and a deferred-permit slot per bit.
//
// Generalizing the single "optional Waiter" of spec.md to one slot per bit
// is an explicit Open Question resolution — see DESIGN.md — required so a
// concurrent read-arm and write-arm on the same registration (the
// facade's "one in-flight read and one in-flight write at a time" rule)
// can each own an independent waiter without racing the other's
// resumption.
type registration struct {
	fd       int
	interest Interest
	waiters  [3]*waiter.Waiter[armResult]
	permits  [3]*Flag
}

func newRegistration(fd int, interest Interest) *registration {
	return &registration{fd: fd, interest: interest}
}

// permitAt returns the stored permit flags for bit, if any.
func (r *registration) permitAt(bit Interest) (Flag, bool) {
	p := r.permits[bitIndex(bit)]
	if p == nil {
		return 0, false
	}
	return *p, true
}

func (r *registration) setPermit(bit Interest, flags Flag) {
	f := flags
	r.permits[bitIndex(bit)] = &f
}

func (r *registration) clearPermit(bit Interest) {
	r.permits[bitIndex(bit)] = nil
}

// purgePermitsOutside drops permits for bits no longer in kept, per
// spec.md §9 "Permit storage under modify": modifying a registration's
// interest invalidates permits for dropped bits.
func (r *registration) purgePermitsOutside(kept Interest) {
	for _, bit := range interestBits {
		if kept&bit == 0 {
			r.clearPermit(bit)
		}
	}
}

func (r *registration) waiterAt(bit Interest) *waiter.Waiter[armResult] {
	return r.waiters[bitIndex(bit)]
}

func (r *registration) setWaiter(bit Interest, w *waiter.Waiter[armResult]) {
	r.waiters[bitIndex(bit)] = w
}

func (r *registration) clearWaiter(bit Interest) {
	r.waiters[bitIndex(bit)] = nil
}
