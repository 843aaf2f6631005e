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

import "trpc.group/trpc-go/aio/internal/safejob"

type key int

const (
	apiRead key = iota
	apiWrite
	closeAll
)

// closer ensures the concurrent safety of the read process, the write
// process, and the closing process of a channel, and that once closed no
// further read or write job is allowed to start. Where the teacher's
// version let writes run concurrently (apiWriteJob was a ConcurrentJob,
// serving its postponed-flush design), the facade's retry-loop write
// path instead needs "one in-flight write at a time" (spec.md §4.7), so
// apiWriteJob is an ExclusiveBlockJob here, matching apiReadJob.
type closer struct {
	apiReadJob  safejob.ExclusiveBlockJob
	apiWriteJob safejob.ExclusiveBlockJob
	closeAllJob safejob.OnceJob
}

// closed returns whether the channel is closed.
func (c *closer) closed() bool {
	return c.closeAllJob.Closed()
}

func (c *closer) getJob(k key) safejob.Job {
	switch k {
	case apiRead:
		return &c.apiReadJob
	case apiWrite:
		return &c.apiWriteJob
	case closeAll:
		return &c.closeAllJob
	default:
		return nil
	}
}

func (c *closer) beginJobSafely(k key) bool {
	if k < 0 || k > closeAll {
		return false
	}
	return c.getJob(k).Begin()
}

func (c *closer) endJobSafely(k key) {
	if k < 0 || k > closeAll {
		return
	}
	c.getJob(k).End()
}

func (c *closer) closeJobSafely(k key) {
	if k < 0 || k > closeAll {
		return
	}
	c.getJob(k).Close()
}

func (c *closer) closeAllJobs() {
	c.apiReadJob.Close()
	c.apiWriteJob.Close()
}
