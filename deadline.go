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
	"context"
	"sync"
	"time"
)

// deadline stores a net.Conn-style deadline and turns it into a
// context.Context on demand, the bridge between the facade's ctx-driven
// Arm calls and the stdlib's time.Time-based SetReadDeadline/
// SetWriteDeadline/SetDeadline API.
type deadline struct {
	mu sync.Mutex
	t  time.Time
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	d.t = t
	d.mu.Unlock()
}

// context derives a context from parent honoring the stored deadline. The
// returned cancel must always be called once the operation completes, the
// same discipline as context.WithDeadline itself.
func (d *deadline) context(parent context.Context) (context.Context, context.CancelFunc) {
	d.mu.Lock()
	t := d.t
	d.mu.Unlock()
	if t.IsZero() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, t)
}
