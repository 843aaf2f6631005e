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
	"sync"
	"time"
)

// fakeDriver is an in-memory stand-in for the real epoll/kqueue driver,
// letting the coordinator's register/arm/permit/cancel/shutdown logic be
// exercised deterministically, without a kernel readiness API in the loop.
type fakeDriver struct {
	mu      sync.Mutex
	regs    map[rawID]fakeReg
	closed  bool
	batches chan []Event
	woken   chan struct{}
}

type fakeReg struct {
	fd       int
	interest Interest
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		regs:    make(map[rawID]fakeReg),
		batches: make(chan []Event, 64),
		woken:   make(chan struct{}, 64),
	}
}

func (d *fakeDriver) Register(fd int, interest Interest, id rawID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[id] = fakeReg{fd: fd, interest: interest}
	return nil
}

func (d *fakeDriver) Modify(id rawID, fd int, interest Interest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[id] = fakeReg{fd: fd, interest: interest}
	return nil
}

func (d *fakeDriver) Arm(id rawID, fd int, interest Interest) error {
	return d.Modify(id, fd, interest)
}

func (d *fakeDriver) Deregister(id rawID, fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.regs, id)
	return nil
}

func (d *fakeDriver) Poll(_ time.Duration, out []Event) (int, error) {
	select {
	case batch := <-d.batches:
		return copy(out, batch), nil
	case <-d.woken:
		return 0, nil
	}
}

func (d *fakeDriver) Wake() error {
	select {
	case d.woken <- struct{}{}:
	default:
	}
	return nil
}

func (d *fakeDriver) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// deliver injects a batch of events as if the kernel had produced them.
func (d *fakeDriver) deliver(evs ...Event) {
	d.batches <- evs
}
