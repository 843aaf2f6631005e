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
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"trpc.group/trpc-go/aio/internal/asynctimer"
	"trpc.group/trpc-go/aio/internal/buffer"
	"trpc.group/trpc-go/aio/internal/cache/systype"
	"trpc.group/trpc-go/aio/internal/iovec"
	"trpc.group/trpc-go/aio/internal/selector"
	"trpc.group/trpc-go/aio/log"
	"trpc.group/trpc-go/aio/metrics"
)

const (
	// defaultTCPKeepAlive is a default constant value for TCPKeepAlive times.
	defaultTCPKeepAlive = 15 * time.Second
	// defaultCleanUpCheckInterval is interval time to check whether connections
	// number is greater than DefaultCleanUpThrottle and enable clean up feature.
	defaultCleanUpCheckInterval = time.Second
)

var (
	// ErrConnClosed is returned by a tcpconn method once Close has run.
	ErrConnClosed = netError{error: errors.New("conn is closed")}
	// EAGAIN is returned by a nonblocking conn's read when no data is available yet.
	EAGAIN = netError{error: errors.New("no enough data, try it again")}

	// DefaultCleanUpThrottle is a default connections number throttle to determine
	// whether to enable buffer clean up feature.
	DefaultCleanUpThrottle = 10000
)

// MassiveConnections denotes whether this is under heavy connections scenario.
var MassiveConnections bool

func init() {
	go checkAndSetBufferCleanUp()
}

func checkAndSetBufferCleanUp() {
	ticker := time.NewTicker(defaultCleanUpCheckInterval)
	for range ticker.C {
		if metrics.Get(metrics.TCPConnsCreate)-
			metrics.Get(metrics.TCPConnsClose) > uint64(DefaultCleanUpThrottle) {
			buffer.SetCleanUp(true)
			MassiveConnections = true
		} else {
			buffer.SetCleanUp(false)
			MassiveConnections = false
		}
	}
}

// tcpconn must implement Conn interface.
var _ Conn = (*tcpconn)(nil)

// tcpconn is the facade's stream connection: a channel driving a non-
// blocking socket through the retry-on-EAGAIN loop, with an inBuffer/
// outBuffer pair (the teacher's linked buffer.Buffer) layered on top so
// the Peek/Next/Skip/ReadN zero-copy API still behaves exactly as it did
// under the old callback-driven reader.
type tcpconn struct {
	channel
	nfd netFD

	service *tcpservice

	inBuffer  buffer.Buffer
	outBuffer buffer.Buffer
	fillData  iovec.IOData

	rdl deadline
	wdl deadline

	idleTimer *asynctimer.Timer

	reqHandle   atomic.Value
	closeHandle atomic.Value
	metaData    atomic.Value

	nonblocking atomic.Bool
	safeWrite   atomic.Bool

	closeOnce sync.Once
}

// Read reads data from the tcpconn, filling from the kernel via the
// facade's retry loop whenever inBuffer runs dry.
func (tc *tcpconn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if !tc.beginJobSafely(apiRead) {
		return 0, ErrConnClosed
	}
	defer tc.endJobSafely(apiRead)

	if err := tc.waitRead(1); err != nil {
		return 0, err
	}
	return tc.inBuffer.Read(b)
}

// ReadN reads a fixed length of data, copying it out of inBuffer.
func (tc *tcpconn) ReadN(n int) ([]byte, error) {
	if !tc.beginJobSafely(apiRead) {
		return nil, ErrConnClosed
	}
	defer tc.endJobSafely(apiRead)

	if err := tc.waitRead(n); err != nil {
		return nil, err
	}
	dst := make([]byte, n)
	if _, err := tc.inBuffer.Read(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// Next returns the next n bytes, advancing the reader. Zero-Copy API.
func (tc *tcpconn) Next(n int) ([]byte, error) {
	if !tc.beginJobSafely(apiRead) {
		return nil, ErrConnClosed
	}
	defer tc.endJobSafely(apiRead)

	if err := tc.waitRead(n); err != nil {
		return nil, err
	}
	return tc.inBuffer.Next(n)
}

// Peek returns the next n bytes without advancing the reader. Zero-Copy API.
func (tc *tcpconn) Peek(n int) ([]byte, error) {
	if !tc.beginJobSafely(apiRead) {
		return nil, ErrConnClosed
	}
	defer tc.endJobSafely(apiRead)

	if err := tc.waitRead(n); err != nil {
		return nil, err
	}
	return tc.inBuffer.Peek(n)
}

// Skip skips the next n bytes and advances the reader.
func (tc *tcpconn) Skip(n int) error {
	if !tc.beginJobSafely(apiRead) {
		return ErrConnClosed
	}
	defer tc.endJobSafely(apiRead)

	if err := tc.waitRead(n); err != nil {
		return err
	}
	return tc.inBuffer.Skip(n)
}

// Release releases the underlying buffer used by Peek() and Skip().
func (tc *tcpconn) Release() {
	if !tc.beginJobSafely(apiRead) {
		return
	}
	defer tc.endJobSafely(apiRead)
	tc.inBuffer.Release()
}

// waitRead blocks (through the channel's arm-on-EAGAIN loop) until
// inBuffer holds at least n bytes, honoring the read deadline and the
// non-blocking flag, spec.md §4.7's retry loop realized through buffer.Fill.
func (tc *tcpconn) waitRead(n int) error {
	if !tc.IsActive() {
		return ErrConnClosed
	}
	if tc.inBuffer.LenRead() >= n {
		return nil
	}
	if tc.nonblocking.Load() {
		return EAGAIN
	}

	ctx, cancel := tc.rdl.context(context.Background())
	defer cancel()

	for tc.inBuffer.LenRead() < n {
		tc.refreshIdle()
		r := fillReader{ctx: ctx, c: &tc.channel, nfd: &tc.nfd}
		if err := tc.inBuffer.Fill(r, n-tc.inBuffer.LenRead(), &tc.fillData); err != nil {
			if err == buffer.ErrBufferFull {
				return nil
			}
			if err == io.EOF {
				return netError{error: io.EOF}
			}
			return tc.translateTimeout(err)
		}
	}
	return nil
}

func (tc *tcpconn) translateTimeout(err error) error {
	if err == context.DeadlineExceeded {
		return netError{error: fmt.Errorf("read tcp %s->%s: i/o timeout",
			tc.LocalAddr(), tc.RemoteAddr()), isTimeout: true}
	}
	return err
}

// fillReader adapts a channel/netFD pair into the buffer.Reader interface
// Buffer.Fill expects: it performs the whole arm-on-EAGAIN retry loop
// internally, so a single Fill call already blocks the right way.
type fillReader struct {
	ctx context.Context
	c   *channel
	nfd *netFD
}

func (r fillReader) Readv(ivs []unix.Iovec) (int, error) {
	for {
		n, err := r.nfd.Readv(ivs)
		if err == nil {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return 0, NewPlatformError("readv", err)
		}
		ev, armErr := r.c.armDirection(r.ctx, &r.c.readMu, &r.c.readTok, selector.InterestRead)
		if armErr != nil {
			return 0, armErr
		}
		if err := r.c.checkErrorFlag(ev); err != nil {
			return 0, err
		}
	}
}

// Write writes data to the connection.
func (tc *tcpconn) Write(b []byte) (int, error) {
	return tc.Writev(b)
}

// Writev provides multiple data slice write in order, flushed through the
// facade's partial-write retry loop using the teacher's internal/iovec
// and systype caches for the batched writev(2) calls.
func (tc *tcpconn) Writev(p ...[]byte) (int, error) {
	if !tc.beginJobSafely(apiWrite) {
		return 0, ErrConnClosed
	}
	defer tc.endJobSafely(apiWrite)

	ctx, cancel := tc.wdl.context(context.Background())
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, tc.translateTimeout(err)
	}
	n := tc.outBuffer.Writev(tc.safeWrite.Load(), p...)
	if err := tc.flush(ctx); err != nil {
		tc.Close()
		return n, tc.translateTimeout(err)
	}
	return n, nil
}

// flush drains outBuffer via writev(2), arming for write on EAGAIN.
func (tc *tcpconn) flush(ctx context.Context) error {
	for tc.outBuffer.LenRead() > 0 {
		n, err := tc.writevOnce()
		if err == nil {
			if err := tc.outBuffer.Skip(n); err != nil {
				return errors.Wrap(err, "tcpconn output buffer skip")
			}
			tc.outBuffer.Release()
			continue
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return NewPlatformError("writev", err)
		}
		ev, armErr := tc.armDirection(ctx, &tc.writeMu, &tc.writeTok, selector.InterestWrite)
		if armErr != nil {
			return armErr
		}
		if err := tc.checkErrorFlag(ev); err != nil {
			return err
		}
	}
	return nil
}

func (tc *tcpconn) writevOnce() (int, error) {
	bs, wrap := systype.GetIOData(systype.MaxLen)
	if wrap != nil {
		defer systype.PutIOData(wrap)
	}
	l := tc.outBuffer.PeekBlocks(bs)
	ivs, ivWrap := systype.GetIOVECWrapper(bs[:l])
	if ivWrap != nil {
		defer systype.PutIOVECWrapper(ivWrap)
	}
	return tc.nfd.Writev(ivs)
}

// Close closes the tcpconn safely; it can be called multiple times
// concurrently.
func (tc *tcpconn) Close() error {
	var err error
	tc.closeOnce.Do(func() {
		err = tc.channel.close()
		if closeHandle := tc.getOnClosed(); closeHandle != nil {
			if cerr := closeHandle(tc); cerr != nil {
				log.Debugf("tcpconn onClosed err: %v\n", cerr)
			}
		}
		if tc.idleTimer != nil {
			asynctimer.Del(tc.idleTimer)
		}
		if tc.service != nil {
			tc.service.deleteConn(tc)
		}
		tc.inBuffer.Free()
		tc.outBuffer.Free()
		metrics.Add(metrics.TCPConnsClose, 1)
	})
	return err
}

// IsActive checks whether the tcpconn is active or not.
func (tc *tcpconn) IsActive() bool {
	return !tc.channel.isClosed()
}

// LocalAddr returns the local network address.
func (tc *tcpconn) LocalAddr() net.Addr {
	return tc.nfd.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (tc *tcpconn) RemoteAddr() net.Addr {
	return tc.nfd.RemoteAddr()
}

// Len returns the total length of readable data in inBuffer.
func (tc *tcpconn) Len() int {
	return tc.inBuffer.LenRead()
}

// SetOnClosed sets the additional close process for a connection.
func (tc *tcpconn) SetOnClosed(handle OnTCPClosed) error {
	if !tc.IsActive() {
		return ErrConnClosed
	}
	if handle == nil {
		return errors.New("onClosed can't be nil")
	}
	tc.closeHandle.Store(handle)
	return nil
}

// SetOnRequest can set or replace the TCPHandler method for a connection.
func (tc *tcpconn) SetOnRequest(handle TCPHandler) error {
	if handle == nil {
		return errors.New("handle can't be nil")
	}
	tc.reqHandle.Store(handle)
	return nil
}

// SetDeadline sets both the read and write deadlines.
func (tc *tcpconn) SetDeadline(t time.Time) error {
	if err := tc.SetReadDeadline(t); err != nil {
		return err
	}
	return tc.SetWriteDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls.
func (tc *tcpconn) SetReadDeadline(t time.Time) error {
	if !tc.IsActive() {
		return ErrConnClosed
	}
	tc.rdl.set(t)
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls.
func (tc *tcpconn) SetWriteDeadline(t time.Time) error {
	if !tc.IsActive() {
		return ErrConnClosed
	}
	tc.wdl.set(t)
	return nil
}

// SetKeepAlive sets keep alive time for the tcp connection.
func (tc *tcpconn) SetKeepAlive(t time.Duration) error {
	if !tc.IsActive() {
		return ErrConnClosed
	}
	if t <= 0 {
		return NewPlatformError("setsockopt", unix.SetsockoptInt(tc.nfd.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 0))
	}
	return tc.nfd.SetKeepAlive(int(math.Ceil(t.Seconds())))
}

// SetIdleTimeout sets the idle timeout to close the connection.
func (tc *tcpconn) SetIdleTimeout(d time.Duration) error {
	if !tc.IsActive() {
		return ErrConnClosed
	}
	if d <= 0 {
		return nil
	}
	if tc.idleTimer != nil {
		asynctimer.Del(tc.idleTimer)
	}
	tc.idleTimer = asynctimer.NewTimer(tc, tcpOnIdle, d)
	if err := asynctimer.Add(tc.idleTimer); err != nil {
		return fmt.Errorf("tcp connection set idle timeout asynctimer add error: %w", err)
	}
	return nil
}

func (tc *tcpconn) refreshIdle() {
	if tc.idleTimer != nil {
		asynctimer.Add(tc.idleTimer)
	}
}

// SetNonBlocking sets conn to nonblocking. Read APIs return EAGAIN when
// there is not enough data for reading.
func (tc *tcpconn) SetNonBlocking(nonblock bool) {
	tc.nonblocking.Store(nonblock)
}

// SetFlushWrite is a no-op kept for interface compatibility.
// Deprecated: whether to enable this feature is controlled automatically.
func (tc *tcpconn) SetFlushWrite(flushWrite bool) {}

// SetSafeWrite sets whether Write/Writev must copy their input.
func (tc *tcpconn) SetSafeWrite(safeWrite bool) {
	tc.safeWrite.Store(safeWrite)
}

// SetMetaData sets meta data.
func (tc *tcpconn) SetMetaData(m any) {
	tc.metaData.Store(&metaDataBox{v: m})
}

// GetMetaData gets meta data.
func (tc *tcpconn) GetMetaData() any {
	box, ok := tc.metaData.Load().(*metaDataBox)
	if !ok || box == nil {
		return nil
	}
	return box.v
}

// metaDataBox boxes an arbitrary value so atomic.Value.Store tolerates
// changing concrete types across calls (including nil).
type metaDataBox struct {
	v any
}

func (tc *tcpconn) getOnRequest() TCPHandler {
	h, ok := tc.reqHandle.Load().(TCPHandler)
	if !ok {
		return nil
	}
	return h
}

func (tc *tcpconn) getOnClosed() OnTCPClosed {
	h, ok := tc.closeHandle.Load().(OnTCPClosed)
	if !ok {
		return nil
	}
	return h
}

func tcpOnIdle(data any) {
	c, ok := data.(Conn)
	if !ok {
		return
	}
	c.Close()
}

// tcpAsyncHandler is the body submitted to the ants pool for each accepted
// connection: it blocks inside the handler's own Read/Peek/ReadN calls
// and loops delivering data to the user handler until the connection
// closes, the dispatch-loop analogue of the teacher's
// per-readiness-event callback.
func tcpAsyncHandler(conn *tcpconn) {
	handler := conn.getOnRequest()
	if handler == nil {
		return
	}
	for conn.IsActive() {
		if err := handler(conn); err != nil {
			if err == EAGAIN {
				continue
			}
			log.Debugf("tcpAsyncHandler err: %v\n", err)
			conn.Close()
			return
		}
	}
}
