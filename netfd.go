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
	"errors"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"trpc.group/trpc-go/aio/internal/netutil"
	"trpc.group/trpc-go/aio/metrics"
)

// fdType distinguishes the three socket roles the facade constructs.
type fdType int

const (
	fdTCP fdType = iota
	fdUDP
	fdListen
)

// netFD is a thin descriptor carrier: it holds the raw fd and its
// addresses. Readiness tracking, which the teacher's netFD used to own
// via poller.Desc, now lives in the channel and the Selector's
// registration table that the facade builds on top of it.
type netFD struct {
	fd      int
	fdtype  fdType
	laddr   net.Addr
	raddr   net.Addr
	network string

	udpBufferSize             int
	exactUDPBufferSizeEnabled bool
}

// FD returns the underlying file descriptor.
func (nfd *netFD) FD() int {
	return nfd.fd
}

// LocalAddr returns the local network address.
func (nfd *netFD) LocalAddr() net.Addr {
	return nfd.laddr
}

// RemoteAddr returns the remote network address.
func (nfd *netFD) RemoteAddr() net.Addr {
	return nfd.raddr
}

// SetKeepAlive sets the keep alive behavior of this net fd.
func (nfd *netFD) SetKeepAlive(secs int) error {
	return netutil.SetKeepAlive(nfd.fd, secs)
}

// SetNoDelay sets the TCP_NODELAY flag on this net fd.
func (nfd *netFD) SetNoDelay(noDelay bool) error {
	var v int
	if noDelay {
		v = 1
	}
	return unix.SetsockoptInt(nfd.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// setNonblocking puts fd in non-blocking mode, a precondition for driving
// it through the Selector's arm-on-EAGAIN retry loop.
func setNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// getSockError fetches and clears SO_ERROR, the mechanism the facade uses
// to turn a driver-reported error flag (or a failed non-blocking
// connect(2)) into a typed platform error.
func getSockError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// socketFamily returns AF_INET or AF_INET6 for ip, mirroring the family
// inference net's own posix sockets code performs.
func socketFamily(ip net.IP) int {
	if ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// sockaddrFor converts addr (a *net.TCPAddr or *net.UDPAddr) to the
// unix.Sockaddr the raw syscalls need. netutil.AddrToSockAddr only uses
// its laddr argument to cross-check address family, so passing addr
// twice is a legitimate way to reuse it for a single address.
func sockaddrFor(addr net.Addr) (unix.Sockaddr, error) {
	return netutil.AddrToSockAddr(addr, addr)
}

// newNonblockingSocket creates a non-blocking, close-on-exec socket of
// the given type for addr's family.
func newNonblockingSocket(ip net.IP, sotype int) (int, error) {
	fd, err := unix.Socket(socketFamily(ip), sotype|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Readv implements batch receive packets from socket.
func (nfd *netFD) Readv(ivs []unix.Iovec) (int, error) {
	if len(ivs) == 0 {
		return 0, nil
	}
	r, _, e := unix.RawSyscall(unix.SYS_READV, uintptr(nfd.fd), uintptr(unsafe.Pointer(&ivs[0])), uintptr(len(ivs)))
	metrics.Add(metrics.TCPReadvCalls, 1)
	if e != 0 {
		metrics.Add(metrics.TCPReadvFails, 1)
		return int(r), unix.Errno(e)
	}
	metrics.Add(metrics.TCPReadvBytes, uint64(r))
	return int(r), nil
}

// Writev implements batch send packets to socket.
func (nfd *netFD) Writev(ivs []unix.Iovec) (int, error) {
	if len(ivs) == 0 {
		return 0, nil
	}
	r, _, e := unix.RawSyscall(unix.SYS_WRITEV, uintptr(nfd.fd), uintptr(unsafe.Pointer(&ivs[0])), uintptr(len(ivs)))
	metrics.Add(metrics.TCPWritevCalls, 1)
	if e != 0 {
		metrics.Add(metrics.TCPWritevFails, 1)
		return int(r), unix.Errno(e)
	}
	metrics.Add(metrics.TCPWritevBlocks, uint64(len(ivs)))
	return int(r), nil
}

const (
	defaultUDPBufferSize             = 65535
	defaultExactUDPBufferSizeEnabled = false
)

// WriteTo writes a packet with payload data to addr.
func (nfd *netFD) WriteTo(data []byte, addr net.Addr) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if addr == nil {
		return 0, errors.New("address can't be nil")
	}
	if len(data) > nfd.udpBufferSize {
		return 0, fmt.Errorf("data length %d is too long, the max udp buffer size is %d", len(data), nfd.udpBufferSize)
	}
	sa, err := netutil.AddrToSockAddr(nfd.laddr, addr)
	if err != nil {
		return 0, err
	}
	return len(data), unix.Sendto(nfd.FD(), data, 0, sa)
}
