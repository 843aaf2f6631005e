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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"trpc.group/trpc-go/aio/internal/netutil"
	"trpc.group/trpc-go/aio/internal/selector"
	"trpc.group/trpc-go/aio/metrics"
)

// udpconn must implement PacketConn interface.
var _ PacketConn = (*udpconn)(nil)

// udpconn is the facade's datagram connection. Unlike tcpconn it does not
// keep an inBuffer of pre-fetched bytes: every Read/ReadFrom/ReadPacket
// pulls exactly one datagram off the socket through the arm-on-EAGAIN
// retry loop, matching recvfrom(2)'s one-packet-per-call contract. A
// datagram larger than the caller's buffer is truncated, the same
// lose-the-rest behavior a raw UDP socket gives a blocking read.
type udpconn struct {
	channel
	nfd netFD

	// connected restricts the remote peer (spec.md §7's "connected" mode):
	// Write/Read use send(2)/recv(2) instead of sendto(2)/recvfrom(2).
	connected bool

	rdl deadline
	wdl deadline

	reqHandle   atomic.Value
	closeHandle atomic.Value
	metaData    atomic.Value

	nonblocking atomic.Bool

	closeOnce sync.Once

	// closeService, when set by udpservice, is signaled once on Close so
	// Serve can detect that every listener packet conn has gone away.
	closeService *sync.WaitGroup
}

type udpPacket struct {
	data []byte
	addr net.Addr
}

// Data returns the packet's payload.
func (p *udpPacket) Data() ([]byte, error) {
	return p.data, nil
}

// Free is a no-op: the facade's UDP path allocates per-packet buffers
// rather than drawing from the teacher's mcache pool (see DESIGN.md for
// why the batched recvmmsg/mcache path was dropped), so there's nothing
// to recycle.
func (p *udpPacket) Free() {}

// ReadPacket reads one packet from the connection.
func (uc *udpconn) ReadPacket() (Packet, net.Addr, error) {
	if !uc.beginJobSafely(apiRead) {
		return nil, nil, ErrConnClosed
	}
	defer uc.endJobSafely(apiRead)

	data, addr, err := uc.recvOne()
	if err != nil {
		return nil, nil, err
	}
	return &udpPacket{data: data, addr: addr}, addr, nil
}

// ReadFrom reads a packet into b, returning the sender's address.
func (uc *udpconn) ReadFrom(b []byte) (int, net.Addr, error) {
	if len(b) == 0 {
		return 0, nil, nil
	}
	if !uc.beginJobSafely(apiRead) {
		return 0, nil, ErrConnClosed
	}
	defer uc.endJobSafely(apiRead)

	data, addr, err := uc.recvOne()
	if err != nil {
		return 0, nil, err
	}
	return copy(b, data), addr, nil
}

// Read reads a packet from the connected peer, discarding the source
// address (net.Conn compatibility).
func (uc *udpconn) Read(b []byte) (int, error) {
	n, _, err := uc.ReadFrom(b)
	return n, err
}

func (uc *udpconn) recvOne() ([]byte, net.Addr, error) {
	if uc.nonblocking.Load() {
		return uc.tryRecvOnce()
	}
	ctx, cancel := uc.rdl.context(context.Background())
	defer cancel()
	return uc.recvInto(ctx, make([]byte, uc.packetSize()))
}

func (uc *udpconn) tryRecvOnce() ([]byte, net.Addr, error) {
	buf := make([]byte, uc.packetSize())
	n, from, err := uc.rawRecv(buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil, EAGAIN
		}
		return nil, nil, NewPlatformError("recvfrom", err)
	}
	return buf[:n], fromAddr(from, uc.nfd.raddr), nil
}

// recvInto performs the arm-on-EAGAIN retry loop around recvfrom(2)/
// recv(2): UDP has no half-close, so a zero-length read is a legitimate
// empty datagram, not end-of-stream.
func (uc *udpconn) recvInto(ctx context.Context, buf []byte) ([]byte, net.Addr, error) {
	for {
		n, from, err := uc.rawRecv(buf)
		if err == nil {
			return buf[:n], fromAddr(from, uc.nfd.raddr), nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return nil, nil, uc.translateTimeout(NewPlatformError("recvfrom", err))
		}
		ev, armErr := uc.armDirection(ctx, &uc.readMu, &uc.readTok, selector.InterestRead)
		if armErr != nil {
			return nil, nil, armErr
		}
		if err := uc.checkErrorFlag(ev); err != nil {
			return nil, nil, err
		}
	}
}

func (uc *udpconn) rawRecv(buf []byte) (int, unix.Sockaddr, error) {
	if uc.connected {
		n, err := unix.Read(uc.fd, buf)
		return n, nil, err
	}
	return unix.Recvfrom(uc.fd, buf, 0)
}

func fromAddr(sa unix.Sockaddr, fallback net.Addr) net.Addr {
	if sa == nil {
		return fallback
	}
	return netutil.SockaddrToUDPAddr(sa)
}

// packetSize returns the buffer size a recv call should allocate.
// exactUDPBufferSizeEnabled isn't wired to a peek-then-size probe here
// (see DESIGN.md); the fixed maxUDPPacketSize buffer is always used.
func (uc *udpconn) packetSize() int {
	if uc.nfd.udpBufferSize <= 0 {
		return defaultUDPBufferSize
	}
	return uc.nfd.udpBufferSize
}

func (uc *udpconn) translateTimeout(err error) error {
	if err == context.DeadlineExceeded {
		return netError{error: fmt.Errorf("read udp %s: i/o timeout", uc.LocalAddr()), isTimeout: true}
	}
	return err
}

// WriteTo writes a packet with payload p to addr.
func (uc *udpconn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !uc.beginJobSafely(apiWrite) {
		return 0, ErrConnClosed
	}
	defer uc.endJobSafely(apiWrite)

	ctx, cancel := uc.wdl.context(context.Background())
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, uc.translateWriteTimeout(err)
	}
	sa, err := netutil.AddrToSockAddr(uc.nfd.laddr, addr)
	if err != nil {
		return 0, err
	}
	for {
		err := unix.Sendto(uc.fd, p, 0, sa)
		if err == nil {
			metrics.Add(metrics.UDPWriteToCalls, 1)
			return len(p), nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			metrics.Add(metrics.UDPWriteToFails, 1)
			return 0, uc.translateWriteTimeout(NewPlatformError("sendto", err))
		}
		ev, armErr := uc.armDirection(ctx, &uc.writeMu, &uc.writeTok, selector.InterestWrite)
		if armErr != nil {
			return 0, armErr
		}
		if err := uc.checkErrorFlag(ev); err != nil {
			return 0, err
		}
	}
}

func (uc *udpconn) translateWriteTimeout(err error) error {
	if err == context.DeadlineExceeded {
		return netError{error: fmt.Errorf("write udp %s: i/o timeout", uc.LocalAddr()), isTimeout: true}
	}
	return err
}

// Write writes a packet to the connected peer.
func (uc *udpconn) Write(b []byte) (int, error) {
	if !uc.connected {
		if uc.nfd.raddr == nil {
			return 0, errors.New("udp conn has no remote address")
		}
		return uc.WriteTo(b, uc.nfd.raddr)
	}
	if len(b) == 0 {
		return 0, nil
	}
	if !uc.beginJobSafely(apiWrite) {
		return 0, ErrConnClosed
	}
	defer uc.endJobSafely(apiWrite)

	ctx, cancel := uc.wdl.context(context.Background())
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, uc.translateWriteTimeout(err)
	}
	for {
		n, err := unix.Write(uc.fd, b)
		if err == nil {
			return n, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return 0, uc.translateWriteTimeout(NewPlatformError("write", err))
		}
		ev, armErr := uc.armDirection(ctx, &uc.writeMu, &uc.writeTok, selector.InterestWrite)
		if armErr != nil {
			return 0, armErr
		}
		if err := uc.checkErrorFlag(ev); err != nil {
			return 0, err
		}
	}
}

// Close closes the connection.
func (uc *udpconn) Close() error {
	var err error
	uc.closeOnce.Do(func() {
		err = uc.channel.close()
		if onClosed := uc.getOnClosed(); onClosed != nil {
			onClosed(uc)
		}
		if uc.closeService != nil {
			uc.closeService.Done()
		}
	})
	return err
}

// IsActive checks whether the udpconn is active or not.
func (uc *udpconn) IsActive() bool {
	return !uc.channel.isClosed()
}

// LocalAddr returns the local network address.
func (uc *udpconn) LocalAddr() net.Addr {
	return uc.nfd.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (uc *udpconn) RemoteAddr() net.Addr {
	return uc.nfd.RemoteAddr()
}

// SetDeadline sets both the read and write deadlines.
func (uc *udpconn) SetDeadline(t time.Time) error {
	if err := uc.SetReadDeadline(t); err != nil {
		return err
	}
	return uc.SetWriteDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls.
func (uc *udpconn) SetReadDeadline(t time.Time) error {
	if !uc.IsActive() {
		return ErrConnClosed
	}
	uc.rdl.set(t)
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls.
func (uc *udpconn) SetWriteDeadline(t time.Time) error {
	if !uc.IsActive() {
		return ErrConnClosed
	}
	uc.wdl.set(t)
	return nil
}

// SetMaxPacketSize sets the maximal UDP packet size used when allocating
// the receive buffer.
func (uc *udpconn) SetMaxPacketSize(size int) {
	uc.nfd.udpBufferSize = size
}

// SetExactUDPBufferSizeEnabled stores the exact-sized buffer flag on the
// conn. The receive path does not read it: every receive allocates a
// buffer of the max packet size (see packetSize).
func (uc *udpconn) SetExactUDPBufferSizeEnabled(exactUDPBufferSizeEnabled bool) {
	uc.nfd.exactUDPBufferSizeEnabled = exactUDPBufferSizeEnabled
}

// SetNonBlocking sets conn to nonblocking. Read APIs return EAGAIN when
// there is no datagram available yet.
func (uc *udpconn) SetNonBlocking(nonblock bool) {
	uc.nonblocking.Store(nonblock)
}

// SetFlushWrite is a no-op kept for interface compatibility.
// Deprecated: whether to enable this feature is controlled automatically.
func (uc *udpconn) SetFlushWrite(flushWrite bool) {}

// Len always reports 0: the facade's UDP path doesn't pre-buffer
// datagrams ahead of a Read call (see DESIGN.md), so there's never a
// backlog to report.
func (uc *udpconn) Len() int {
	return 0
}

// SetOnClosed sets the additional close process for a connection.
func (uc *udpconn) SetOnClosed(handle OnUDPClosed) error {
	if !uc.IsActive() {
		return ErrConnClosed
	}
	if handle == nil {
		return errors.New("onClosed can't be nil")
	}
	uc.closeHandle.Store(handle)
	return nil
}

func (uc *udpconn) getOnClosed() OnUDPClosed {
	h, ok := uc.closeHandle.Load().(OnUDPClosed)
	if !ok {
		return nil
	}
	return h
}

// SetOnRequest can set or replace the UDPHandler method for a connection.
func (uc *udpconn) SetOnRequest(handle UDPHandler) error {
	if handle == nil {
		return errors.New("handle can't be nil")
	}
	uc.reqHandle.Store(handle)
	return nil
}

func (uc *udpconn) getOnRequest() UDPHandler {
	h, ok := uc.reqHandle.Load().(UDPHandler)
	if !ok {
		return nil
	}
	return h
}

// SetMetaData sets meta data.
func (uc *udpconn) SetMetaData(m any) {
	uc.metaData.Store(&metaDataBox{v: m})
}

// GetMetaData gets meta data.
func (uc *udpconn) GetMetaData() any {
	box, ok := uc.metaData.Load().(*metaDataBox)
	if !ok || box == nil {
		return nil
	}
	return box.v
}

// udpAsyncHandler is the body submitted to the ants pool for each
// reuseport listener's packet conn: it blocks inside ReadPacket and
// dispatches every datagram to the user handler until the conn closes.
func udpAsyncHandler(conn *udpconn) {
	handler := conn.getOnRequest()
	if handler == nil {
		return
	}
	for conn.IsActive() {
		if err := handler(conn); err != nil {
			if err == EAGAIN {
				continue
			}
			conn.Close()
			return
		}
	}
}
