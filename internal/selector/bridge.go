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

import "sync"

// eventBridge is the guarded one-slot-or-queue hand-off of event batches
// from the poll thread to the coordinator (spec §4.2). A single mutex
// guards all three observable states (holding-batches, awaiting-consumer,
// shutdown); the consumer's suspension handle — here, a capacity-1 channel
// — is always taken out of the state before being resumed, so no
// resumption ever occurs while the lock is held.
type eventBridge struct {
	mu       sync.Mutex
	queue    [][]Event
	consumer chan batchOrNone
	done     bool
}

type batchOrNone struct {
	batch []Event
	none  bool
}

func newEventBridge() *eventBridge {
	return &eventBridge{}
}

// push is called only from the poll thread.
func (b *eventBridge) push(batch []Event) {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	if b.consumer != nil {
		c := b.consumer
		b.consumer = nil
		b.mu.Unlock()
		c <- batchOrNone{batch: batch}
		return
	}
	b.queue = append(b.queue, batch)
	b.mu.Unlock()
}

// next is called only from the coordinator (which is serialized, so at
// most one suspension handle is ever recorded at a time).
func (b *eventBridge) next() ([]Event, bool) {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return nil, false
	}
	if len(b.queue) > 0 {
		batch := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		return batch, true
	}
	ch := make(chan batchOrNone, 1)
	b.consumer = ch
	b.mu.Unlock()
	res := <-ch
	if res.none {
		return nil, false
	}
	return res.batch, true
}

// shutdown sets the done flag; if a consumer is parked, it is resumed with
// "none".
func (b *eventBridge) shutdown() {
	b.mu.Lock()
	b.done = true
	c := b.consumer
	b.consumer = nil
	b.mu.Unlock()
	if c != nil {
		c <- batchOrNone{none: true}
	}
}
