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
	"net"

	"golang.org/x/sys/unix"

	"trpc.group/trpc-go/aio/internal/cache/systype"
	"trpc.group/trpc-go/aio/internal/iovec"
	"trpc.group/trpc-go/aio/internal/netutil"
	"trpc.group/trpc-go/aio/internal/selector"
	"trpc.group/trpc-go/aio/metrics"
)

// tcpListener wraps a listening socket registered with the Selector for
// read readiness: "a connection is ready to accept" and "data is
// readable" are the same kernel readiness bit.
type tcpListener struct {
	nfd netFD
	ch  *channel
}

type netError struct {
	error
	isTimeout bool
}

// Timeout implements net.Error interface.
func (e netError) Timeout() bool {
	return e.isTimeout
}

// Temporary implements net.Error interface.
func (e netError) Temporary() bool {
	switch e.error {
	case unix.EAGAIN, unix.ECONNRESET, unix.ECONNABORTED:
		return true
	default:
		return false
	}
}

// Accept implements net.Listener, blocking until a connection arrives.
func (t *tcpListener) Accept() (net.Conn, error) {
	return t.accept(context.Background(), nil)
}

// accept loops accept(2) with EAGAIN arming for read, the facade's
// accept algorithm (spec.md §4.7).
func (t *tcpListener) accept(ctx context.Context, handle OnTCPOpened) (net.Conn, error) {
	for {
		fd, sa, err := netutil.Accept(t.FD())
		if err == nil {
			return t.newAcceptedConn(fd, sa, handle)
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return nil, netError{error: err}
		}
		if _, armErr := t.ch.armDirection(ctx, &t.ch.readMu, &t.ch.readTok, selector.InterestRead); armErr != nil {
			return nil, armErr
		}
	}
}

func (t *tcpListener) newAcceptedConn(fd int, sa unix.Sockaddr, handle OnTCPOpened) (net.Conn, error) {
	ch, err := newChannel(defaultSelector(), fd, selector.InterestRead|selector.InterestWrite)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("register accepted conn: %w", err)
	}
	conn := &tcpconn{
		channel: *ch,
		nfd: netFD{
			fd:      fd,
			fdtype:  fdTCP,
			network: t.nfd.network,
			laddr:   t.nfd.laddr,
			raddr:   netutil.SockaddrToTCPOrUnixAddr(sa),
		},
	}
	if !MassiveConnections {
		conn.fillData = iovec.NewIOData(iovec.WithLength(systype.MaxLen))
	}
	conn.inBuffer.Initialize()
	conn.outBuffer.Initialize()
	if handle != nil {
		if err := handle(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("on tcp opened error: %w", err)
		}
	}
	if err := conn.nfd.SetNoDelay(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set tcp no delay error: %w", err)
	}
	metrics.Add(metrics.TCPConnsCreate, 1)
	return conn, nil
}

// Close closes the tcp listener.
func (t *tcpListener) Close() error {
	return t.ch.close()
}

// FD returns the tcp listener's file descriptor.
func (t *tcpListener) FD() (fd int) {
	return t.nfd.fd
}

// Addr returns the tcp listener's local address.
func (t *tcpListener) Addr() net.Addr {
	return t.nfd.laddr
}

func listenTCP(network string, address string) (*tcpListener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return newListener(ln)
}

func newListener(listener net.Listener) (*tcpListener, error) {
	fd, err := netutil.GetFD(listener)
	if err != nil {
		return nil, fmt.Errorf("new listener get fd error: %w", err)
	}
	if err := setNonblocking(fd); err != nil {
		return nil, fmt.Errorf("set listener non-blocking: %w", err)
	}
	ch, err := newChannel(defaultSelector(), fd, selector.InterestRead)
	if err != nil {
		return nil, fmt.Errorf("register listener: %w", err)
	}
	ch.closeFD = listener.Close
	ln := &tcpListener{
		ch: ch,
		nfd: netFD{
			fd:      fd,
			fdtype:  fdListen,
			network: listener.Addr().Network(),
			laddr:   listener.Addr(),
		},
	}
	return ln, nil
}
