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

// reqKind tags a request posted from the coordinator to the poll thread
// (spec §4.3).
type reqKind uint8

const (
	reqRegister reqKind = iota
	reqModify
	reqDeregister
	reqArm
)

// request is one entry in the coordinator -> poll-thread queue. A buffered
// Go channel already satisfies the MPSC contract spec.md asks for (many
// coordinator-side callers may post concurrently in principle; in this
// package only the coordinator itself posts, but the type supports more),
// so no custom lock-free queue is built — see DESIGN.md.
//
// reply is the request's own complementary reply channel (capacity 1)
// rather than a side-table keyed by a small integer replyID: the poll
// thread only ever sends on a channel it was handed inside the request
// value, so it never parks or owns a suspension handle of its own, which
// is exactly the property spec §4.3 asks for ("the poll thread never owns
// a suspension handle"). reply is nil for fire-and-forget arm requests.
type request struct {
	kind     reqKind
	fd       int
	id       rawID
	interest Interest
	reply    chan error
}

func (r request) replyTo(err error) {
	if r.reply != nil {
		r.reply <- err
	}
}
