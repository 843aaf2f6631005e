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
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"trpc.group/trpc-go/aio/internal/netutil"
	"trpc.group/trpc-go/aio/internal/selector"
	"trpc.group/trpc-go/aio/internal/stat"
)

// DialTCP connects to the address on the named network within the
// timeout. Valid networks are "tcp", "tcp4" (IPv4-only), "tcp6"
// (IPv6-only).
func DialTCP(network, address string, timeout time.Duration) (Conn, error) {
	reportDialTCP()
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("DialTCP: unknown network %s", network)
	}
	ctx, cancel := contextForTimeout(timeout)
	defer cancel()
	return dialTCP(ctx, network, address)
}

// DialUDP connects to the address on the named network within the
// timeout. Valid networks are "udp", "udp4" (IPv4-only), "udp6"
// (IPv6-only).
func DialUDP(network, address string, timeout time.Duration) (PacketConn, error) {
	reportDialUDP()
	switch network {
	case "udp", "udp4", "udp6":
	default:
		return nil, fmt.Errorf("DialUDP: unknown network %s", network)
	}
	ctx, cancel := contextForTimeout(timeout)
	defer cancel()
	return dialUDP(ctx, network, address)
}

func contextForTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// dialTCP implements spec.md §4.7's connect algorithm: issue connect(2)
// on a non-blocking socket, tolerate EINPROGRESS, arm for write, then
// consult SO_ERROR.
func dialTCP(ctx context.Context, network, address string) (Conn, error) {
	raddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("resolve tcp addr %s: %w", address, err)
	}
	fd, err := newNonblockingSocket(raddr.IP, unix.SOCK_STREAM)
	if err != nil {
		return nil, fmt.Errorf("create tcp socket: %w", err)
	}
	sa, err := sockaddrFor(raddr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	ch, err := newChannel(defaultSelector(), fd, selector.InterestWrite)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("register dialing socket: %w", err)
	}

	connErr := unix.Connect(fd, sa)
	if connErr != nil && connErr != unix.EINPROGRESS && connErr != unix.EAGAIN {
		ch.close()
		return nil, NewPlatformError("connect", connErr)
	}
	if connErr != nil {
		if _, err := ch.armDirection(ctx, &ch.writeMu, &ch.writeTok, selector.InterestWrite); err != nil {
			ch.close()
			return nil, err
		}
		if soErr := getSockError(fd); soErr != nil {
			ch.close()
			return nil, NewPlatformError("connect", soErr)
		}
	}

	localSA, _ := unix.Getsockname(fd)
	laddr := netutil.SockaddrToTCPOrUnixAddr(localSA)
	conn := &tcpconn{
		channel: *ch,
		nfd: netFD{
			fd:      fd,
			fdtype:  fdTCP,
			laddr:   laddr,
			raddr:   raddr,
			network: network,
		},
	}
	conn.inBuffer.Initialize()
	conn.outBuffer.Initialize()
	return conn, nil
}

func dialUDP(ctx context.Context, network, address string) (PacketConn, error) {
	raddr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr %s: %w", address, err)
	}
	fd, err := newNonblockingSocket(raddr.IP, unix.SOCK_DGRAM)
	if err != nil {
		return nil, fmt.Errorf("create udp socket: %w", err)
	}
	sa, err := sockaddrFor(raddr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, NewPlatformError("connect", err)
	}

	ch, err := newChannel(defaultSelector(), fd, selector.InterestRead|selector.InterestWrite)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("register udp socket: %w", err)
	}

	localSA, _ := unix.Getsockname(fd)
	laddr := netutil.SockaddrToUDPAddr(localSA)
	conn := &udpconn{
		channel: *ch,
		nfd: netFD{
			fd:            fd,
			fdtype:        fdUDP,
			laddr:         laddr,
			raddr:         raddr,
			network:       network,
			udpBufferSize: defaultUDPBufferSize,
		},
		connected: true,
	}
	return conn, nil
}

var (
	dialTCPReportOnce sync.Once
	dialUDPReportOnce sync.Once
)

func reportDialTCP() {
	dialTCPReportOnce.Do(func() {
		stat.Report(stat.ClientAttr, stat.TCPAttr)
	})
}

func reportDialUDP() {
	dialUDPReportOnce.Do(func() {
		stat.Report(stat.ClientAttr, stat.UDPAttr)
	})
}
