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
	"io"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"trpc.group/trpc-go/aio/internal/selector"
)

// channel is the move-only handle described by the facade: a Selector
// registration over one fd, half-close state, and one independently
// armable token per direction. tcpconn, udpconn and tcpListener all embed
// a channel and drive it through the read/write retry loop.
//
// Read and write are each serialized through the embedded closer so that
// "one in-flight read and one in-flight write at a time" holds even when
// callers misuse the API from multiple goroutines; the two directions run
// independently of each other, matching the split read/write token.
type channel struct {
	sel *selector.Selector
	fd  int
	id  selector.ID

	closer

	readMu  sync.Mutex
	readTok selector.Token
	readEOF atomic.Bool

	writeMu  sync.Mutex
	writeTok selector.Token

	// closeFD performs the actual fd teardown. It defaults to unix.Close
	// but a channel built on top of a *net.TCPListener/*net.Conn (whose fd
	// was borrowed, not duplicated, via netutil.GetFD) must instead close
	// that Go object so its own internal bookkeeping is released too.
	closeFD func() error
}

func newChannel(sel *selector.Selector, fd int, interest selector.Interest) (*channel, error) {
	id, tok, err := sel.Register(fd, interest)
	if err != nil {
		return nil, err
	}
	rt, wt, err := tok.Split()
	if err != nil {
		return nil, err
	}
	return &channel{sel: sel, fd: fd, id: id, readTok: rt, writeTok: wt}, nil
}

// armDirection consumes the current token for one direction, issues an
// Arm call, and stores the resulting token back. mu only guards the
// token field's visibility across calls; the exclusive job guarantees at
// most one goroutine is ever inside this function for a given direction.
func (c *channel) armDirection(ctx context.Context, mu *sync.Mutex, tok *selector.Token, interest selector.Interest) (selector.Event, error) {
	mu.Lock()
	cur := *tok
	mu.Unlock()

	next, ev, err := c.sel.Arm(ctx, cur, interest)
	if err != nil {
		return selector.Event{}, translateArmError(ctx, err)
	}
	mu.Lock()
	*tok = next
	mu.Unlock()
	return ev, nil
}

// translateArmError maps a Selector.Arm error onto the facade's own
// sentinels. selector.ErrCancelled only says the waiter was cancelled, not
// why — ctx is consulted to recover that: a deadline.context-derived ctx
// that has expired must surface as context.DeadlineExceeded so
// tcpconn/udpconn's translateTimeout can honor the net.Conn deadline
// contract (Timeout() == true) instead of reporting a generic cancel.
func translateArmError(ctx context.Context, err error) error {
	switch err {
	case selector.ErrCancelled:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrCancelled
	case selector.ErrShutdownInProgress:
		return ErrClosed
	default:
		return err
	}
}

// read implements the read side of the facade's retry loop.
func (c *channel) read(ctx context.Context, b []byte) (int, error) {
	if !c.beginJobSafely(apiRead) {
		return 0, ErrClosed
	}
	defer c.endJobSafely(apiRead)

	if c.readEOF.Load() {
		return 0, io.EOF
	}
	for {
		n, err := unix.Read(c.fd, b)
		if err == nil {
			if n == 0 {
				c.readEOF.Store(true)
				return 0, io.EOF
			}
			return n, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return 0, NewPlatformError("read", err)
		}
		ev, armErr := c.armDirection(ctx, &c.readMu, &c.readTok, selector.InterestRead)
		if armErr != nil {
			return 0, armErr
		}
		if err := c.checkErrorFlag(ev); err != nil {
			return 0, err
		}
	}
}

// write implements the write side of the facade's retry loop: it loops
// until every byte of b has been accepted by the kernel (spec.md's
// "partial write" scenario).
func (c *channel) write(ctx context.Context, b []byte) (int, error) {
	if !c.beginJobSafely(apiWrite) {
		return 0, ErrClosed
	}
	defer c.endJobSafely(apiWrite)

	total := 0
	for total < len(b) {
		n, err := unix.Write(c.fd, b[total:])
		if err == nil {
			if n == 0 && len(b[total:]) != 0 {
				// write() returning 0 on a non-empty buffer is treated as
				// wouldBlock, not forward progress.
				err = unix.EAGAIN
			} else {
				total += n
				continue
			}
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return total, NewPlatformError("write", err)
		}
		ev, armErr := c.armDirection(ctx, &c.writeMu, &c.writeTok, selector.InterestWrite)
		if armErr != nil {
			return total, armErr
		}
		if err := c.checkErrorFlag(ev); err != nil {
			return total, err
		}
	}
	return total, nil
}

// checkErrorFlag fetches SO_ERROR when the delivered event carries the
// driver's error flag, surfacing a pending asynchronous socket error
// (e.g. a failed connect, or ECONNRESET discovered by the kernel) instead
// of letting the retry loop spin on EAGAIN forever.
func (c *channel) checkErrorFlag(ev selector.Event) error {
	if ev.Flags&selector.FlagError == 0 {
		return nil
	}
	if soErr := getSockError(c.fd); soErr != nil {
		return NewPlatformError("so_error", soErr)
	}
	return nil
}

// shutdownRead is idempotent: it transitions the half-close state once,
// then calls shutdown(2), tolerating ENOTCONN/EINVAL/ENOTSOCK.
func (c *channel) shutdownRead() error {
	if !c.readEOF.CompareAndSwap(false, true) {
		return nil
	}
	return tolerateShutdownError(unix.Shutdown(c.fd, unix.SHUT_RD))
}

// shutdownWrite is idempotent; see shutdownRead. It reuses apiWriteJob's
// closed flag as the write half-close marker: once shut down, write
// refuses new calls with ErrClosed exactly like a fully closed channel.
func (c *channel) shutdownWrite() error {
	if c.apiWriteJob.Closed() {
		return nil
	}
	c.apiWriteJob.Close()
	return tolerateShutdownError(unix.Shutdown(c.fd, unix.SHUT_WR))
}

func tolerateShutdownError(err error) error {
	switch err {
	case nil, unix.ENOTCONN, unix.EINVAL, unix.ENOTSOCK:
		return nil
	default:
		return NewPlatformError("shutdown", err)
	}
}

// close transitions to closed (returning early if already closed),
// deregisters with the Selector, and calls close(2), tolerating EBADF.
// Deregister is issued before close(2), matching the ownership rule that
// the kernel event table must drop the fd before it can be reused.
func (c *channel) close() error {
	if !c.beginJobSafely(closeAll) {
		return nil
	}
	c.closeAllJobs()

	c.readMu.Lock()
	tok := c.readTok
	c.readMu.Unlock()

	if err := c.sel.Deregister(tok); err != nil && err != selector.ErrUnknownID {
		return NewPlatformError("deregister", err)
	}
	closeFD := c.closeFD
	if closeFD == nil {
		closeFD = func() error { return unix.Close(c.fd) }
	}
	if err := closeFD(); err != nil && err != unix.EBADF {
		return NewPlatformError("close", err)
	}
	return nil
}

func (c *channel) isClosed() bool {
	return c.closed()
}
