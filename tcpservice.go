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

	"go.uber.org/atomic"

	"trpc.group/trpc-go/aio/internal/netutil"
	"trpc.group/trpc-go/aio/log"
)

// NewTCPService creates a tcp Service and binds it to a listener. It is recommended to
// create listener by func tnet.Listen, otherwise make sure that listener implements
// syscall.Conn interface.
//
//	type syscall.Conn interface {
//		SyscallConn() (RawConn, error)
//	}
func NewTCPService(listener net.Listener, handler TCPHandler, opt ...Option) (Service, error) {
	if listener == nil {
		return nil, errors.New("listener is nil")
	}
	ln, ok := listener.(*tcpListener)
	if ok {
		return newTCPService(ln, handler, opt...)
	}

	if err := netutil.ValidateTCP(listener); err != nil {
		return nil, fmt.Errorf("validate listener fail: %w", err)
	}
	// Not of our customized type? Wrap one!
	ln, err := newListener(listener)
	if err != nil {
		return nil, err
	}
	return newTCPService(ln, handler, opt...)
}

func newTCPService(ln *tcpListener, handler TCPHandler, opt ...Option) (Service, error) {
	opts := options{}
	opts.setDefault()
	for _, o := range opt {
		o.f(&opts)
	}

	s := &tcpservice{
		ln:        ln,
		reqHandle: handler,
		opts:      opts,
		conns:     make(map[int]*tcpconn),
	}
	return s, nil
}

// tcpservice runs an accept loop against its listener and, for every
// accepted connection, submits a persistent dispatch loop
// (tcpAsyncHandler) onto the shared ants pool: the retry-loop facade has
// no poller callback to hang the dispatch off of, so each live connection
// owns one pooled goroutine for its lifetime instead.
type tcpservice struct {
	ln        *tcpListener
	reqHandle TCPHandler
	conns     map[int]*tcpconn
	opts      options
	closed    atomic.Bool
	serving   atomic.Bool
	mu        sync.Mutex
}

// Serve starts the service. It is an error to call Serve more than once
// on the same service, mirroring the one-registration-per-listener rule
// of the underlying accept loop.
func (s *tcpservice) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("tcp service is already serving")
	}
	defer s.close()

	for {
		conn, err := s.ln.accept(ctx, s.openHandle)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return fmt.Errorf("tcp service accept error: %w", err)
		}
		tconn := conn.(*tcpconn)
		if err := doTask(tconn); err != nil {
			log.Errorf("tcp service: submit connection to task pool: %v\n", err)
			tconn.Close()
		}
	}
}

func (s *tcpservice) openHandle(conn Conn) error {
	tconn, ok := conn.(*tcpconn)
	if !ok {
		return errors.New("bug: conn is not tcpconn type")
	}
	if err := tconn.SetOnRequest(s.reqHandle); err != nil {
		return fmt.Errorf("tnet connection set on request error: %w", err)
	}
	if err := tconn.SetKeepAlive(s.opts.tcpKeepAlive); err != nil {
		return fmt.Errorf("tnet connection set keep alive error: %w", err)
	}
	if err := tconn.SetIdleTimeout(s.opts.tcpIdleTimeout); err != nil {
		return fmt.Errorf("tnet connection set idle timeout error: %w", err)
	}
	tconn.SetNonBlocking(s.opts.nonblocking)
	tconn.SetSafeWrite(s.opts.safeWrite)
	if s.opts.onTCPClosed != nil {
		tconn.SetOnClosed(s.opts.onTCPClosed)
	}
	tconn.service = s
	s.storeConn(tconn)
	// Execute the hook function set by the user for tcp connection creation.
	if s.opts.onTCPOpened != nil {
		return s.opts.onTCPOpened(tconn)
	}
	return nil
}

func (s *tcpservice) close() error {
	if s.ln == nil {
		return nil
	}
	s.closed.Store(true)
	s.closeAll()
	return s.ln.Close()
}

func (s *tcpservice) storeConn(conn *tcpconn) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.conns[conn.nfd.FD()] = conn
	s.mu.Unlock()
}

func (s *tcpservice) deleteConn(conn *tcpconn) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	delete(s.conns, conn.nfd.FD())
	s.mu.Unlock()
}

func (s *tcpservice) closeAll() {
	s.mu.Lock()
	for k, conn := range s.conns {
		conn.Close()
		delete(s.conns, k)
	}
	s.mu.Unlock()
}
