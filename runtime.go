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

import (
	"fmt"
	"sync"

	goatomic "go.uber.org/atomic"

	"trpc.group/trpc-go/aio/internal/selector"
	"trpc.group/trpc-go/aio/log"
)

// selectorGroup manages a pool of Selectors (one dedicated poll thread
// each) and round-robins new registrations across them, generalizing the
// teacher's PollMgr/roundRobinLB pair: most programs want one event loop
// per process, but a Group lets a program that needs more parallelism on
// its accept/read fan-out ask for it.
type selectorGroup struct {
	mu       sync.Mutex
	sels     []*selector.Selector
	accepted goatomic.Uint64
}

func newSelectorGroup(n int) (*selectorGroup, error) {
	g := &selectorGroup{}
	if err := g.growTo(n); err != nil {
		return nil, err
	}
	return g, nil
}

// growTo scales the group up to exactly n selectors. It never shrinks:
// n smaller than the current size is an error, mirroring PollMgr.SetNumPollers.
func (g *selectorGroup) growTo(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n == 0 || n < len(g.sels) {
		return fmt.Errorf("tnet: pollers can't be smaller than current pollers[%d]", len(g.sels))
	}
	for i := len(g.sels); i < n; i++ {
		sel, err := selector.New()
		if err != nil {
			return fmt.Errorf("create selector: %w", err)
		}
		g.sels = append(g.sels, sel)
	}
	return nil
}

// pick round-robins across the group's Selectors.
func (g *selectorGroup) pick() *selector.Selector {
	g.mu.Lock()
	sels := g.sels
	g.mu.Unlock()
	idx := g.accepted.Inc() % uint64(len(sels))
	return sels[idx]
}

// size returns the number of Selectors currently in the group.
func (g *selectorGroup) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sels)
}

// defaultGrp is the process-wide selector group every dialed or
// accepted channel registers with, created lazily on first use so a
// program that never dials or listens never pays for a poll thread.
var (
	defaultGrp     *selectorGroup
	defaultGrpOnce sync.Once
)

func defaultGroup() *selectorGroup {
	defaultGrpOnce.Do(func() {
		grp, err := newSelectorGroup(1)
		if err != nil {
			log.Fatalf("aio: create default selector group: %v", err)
		}
		defaultGrp = grp
	})
	return defaultGrp
}

// defaultSelector picks the next Selector from the default group in
// round-robin order.
func defaultSelector() *selector.Selector {
	return defaultGroup().pick()
}

// SetNumPollers sets the number of Selectors (poll threads) in the default
// group. Generally it is not actively used. Note that n can't be smaller
// than the current poller numbers.
//
// NOTE: the default poller number is 1.
func SetNumPollers(n int) error {
	return defaultGroup().growTo(n)
}

// NumPollers returns the current number of pollers (Selectors) in the
// default group.
func NumPollers() int {
	return defaultGroup().size()
}

// EnablePollerGoschedAfterEvent enables calling runtime.Gosched() after
// delivering each batch of events during a Selector's poll wait.
// This function can only be called inside func init().
func EnablePollerGoschedAfterEvent() {
	selector.GoschedAfterEvent = true
}
