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

//go:build linux

package selector

import (
	"os"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"trpc.group/trpc-go/aio/metrics"
)

// rflags/wflags mirror poller_epoll.go's read/write event masks, EPOLLONESHOT
// added so every registration and re-Arm is one-shot per spec §4.1.
const (
	rflags = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLPRI | unix.EPOLLONESHOT
	wflags = unix.EPOLLOUT | unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLONESHOT
)

// rawEpollEvent matches the kernel's epoll_event layout: a 32-bit mask
// followed by an 8-byte opaque data union, here used to carry the
// registration's rawID instead of a pointer (we have no Desc to point to).
type rawEpollEvent struct {
	Events uint32
	pad    uint32
	Data   uint64
}

func interestToEpoll(i Interest) uint32 {
	var m uint32
	if i&InterestRead != 0 || i&InterestPriority != 0 {
		m |= rflags
	}
	if i&InterestWrite != 0 {
		m |= wflags
	}
	return m
}

type epollDriver struct {
	epfd int
	efd  int // eventfd used as the wakeup channel
	buf  [8]byte
}

// NewDriver creates the epoll-backed Driver.
func NewDriver() (Driver, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	d := &epollDriver{epfd: epfd, efd: efd}
	ev := rawEpollEvent{Events: unix.EPOLLIN}
	if err := epollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(efd)
		return nil, os.NewSyscallError("epoll_ctl add wakeup", err)
	}
	return d, nil
}

func (d *epollDriver) Register(fd int, interest Interest, id rawID) error {
	ev := rawEpollEvent{Events: interestToEpoll(interest), Data: id}
	if err := epollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

func (d *epollDriver) Modify(id rawID, fd int, interest Interest) error {
	ev := rawEpollEvent{Events: interestToEpoll(interest), Data: id}
	if err := epollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	return nil
}

func (d *epollDriver) Arm(id rawID, fd int, interest Interest) error {
	return d.Modify(id, fd, interest)
}

func (d *epollDriver) Deregister(id rawID, fd int) error {
	if err := epollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func (d *epollDriver) Poll(deadline time.Duration, out []Event) (int, error) {
	msec := -1
	if deadline >= 0 {
		msec = int(deadline / time.Millisecond)
	}
	raw := make([]rawEpollEvent, len(out))
	n, err := epollWait(d.epfd, raw, msec)
	if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	count := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		if isWakeupEvent(ev) {
			_, _ = unix.Read(d.efd, d.buf[:])
			continue
		}
		var flags Flag
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			flags |= FlagError | FlagHangup
		}
		if ev.Events&unix.EPOLLRDHUP != 0 {
			flags |= FlagReadHangup
		}
		var ready Interest
		if ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
			ready |= InterestRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			ready |= InterestWrite
		}
		out[count] = Event{ID: ID(ev.Data), Ready: ready, Flags: flags}
		count++
	}
	metrics.Add(metrics.EpollWait, 1)
	metrics.Add(metrics.EpollEvents, uint64(n))
	return count, nil
}

// isWakeupEvent reports whether ev corresponds to the driver's own eventfd
// rather than a registered descriptor: the eventfd is added with Data 0,
// and the Selector never issues rawID 0 to a registration because its
// sequence counter starts at 1.
func isWakeupEvent(ev rawEpollEvent) bool {
	return ev.Data == 0
}

func (d *epollDriver) Wake() error {
	var one uint64 = 1
	b := (*[8]byte)(unsafe.Pointer(&one))
	for {
		_, err := unix.Write(d.efd, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil && err != unix.EAGAIN {
			return os.NewSyscallError("write", err)
		}
		return nil
	}
}

func (d *epollDriver) Close() {
	_ = unix.Close(d.epfd)
	_ = unix.Close(d.efd)
}

func epollCtl(epfd, op, fd int, ev *rawEpollEvent) error {
	_, _, errno := unix.RawSyscall6(unix.SYS_EPOLL_CTL, uintptr(epfd), uintptr(op), uintptr(fd),
		uintptr(unsafe.Pointer(ev)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func epollWait(epfd int, events []rawEpollEvent, msec int) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	var r0 uintptr
	var errno unix.Errno
	p := unsafe.Pointer(&events[0])
	for {
		if msec == 0 {
			r0, _, errno = unix.RawSyscall6(unix.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(p), uintptr(len(events)), 0, 0, 0)
		} else {
			r0, _, errno = unix.Syscall6(unix.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(p), uintptr(len(events)), uintptr(msec), 0, 0)
		}
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return int(r0), nil
	}
}
