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

//go:build freebsd || dragonfly || darwin

package selector

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"trpc.group/trpc-go/aio/metrics"
)

// wakeupIdent is the fixed EVFILT_USER ident used as the kernel-visible
// wakeup object, mirroring poller_kqueue.go's Ident: 0 user event.
const wakeupIdent = 0

type kqueueDriver struct {
	fd int
}

// NewDriver creates the kqueue-backed Driver.
func NewDriver() (Driver, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("fcntl", err)
	}
	if _, err := unix.Kevent(fd, []unix.Kevent_t{{
		Ident:  wakeupIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("kevent add|clear", err)
	}
	return &kqueueDriver{fd: fd}, nil
}

func changesFor(fd int, id rawID, interest Interest, flags uint16) []unix.Kevent_t {
	var changes []unix.Kevent_t
	if interest&(InterestRead|InterestPriority) != 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_READ, flags, id))
	}
	if interest&InterestWrite != 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_WRITE, flags, id))
	}
	return changes
}

func kevent(fd int, filter int16, flags uint16, id rawID) unix.Kevent_t {
	k := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
	*(*uint64)(unsafe.Pointer(&k.Udata)) = id
	return k
}

func (d *kqueueDriver) Register(fd int, interest Interest, id rawID) error {
	changes := changesFor(fd, id, interest, unix.EV_ADD|unix.EV_DISPATCH)
	if _, err := unix.Kevent(d.fd, changes, nil, nil); err != nil {
		return os.NewSyscallError("kevent add", err)
	}
	return nil
}

func (d *kqueueDriver) Modify(id rawID, fd int, interest Interest) error {
	// Dropping a filter entirely requires deleting it explicitly; kqueue
	// has no single "replace interest" op the way epoll_ctl(MOD) does.
	_, _ = unix.Kevent(d.fd, []unix.Kevent_t{
		kevent(fd, unix.EVFILT_READ, unix.EV_DELETE, id),
		kevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE, id),
	}, nil, nil)
	changes := changesFor(fd, id, interest, unix.EV_ADD|unix.EV_DISPATCH)
	if _, err := unix.Kevent(d.fd, changes, nil, nil); err != nil {
		return os.NewSyscallError("kevent mod", err)
	}
	return nil
}

func (d *kqueueDriver) Arm(id rawID, fd int, interest Interest) error {
	changes := changesFor(fd, id, interest, unix.EV_ENABLE|unix.EV_DISPATCH)
	if _, err := unix.Kevent(d.fd, changes, nil, nil); err != nil {
		return os.NewSyscallError("kevent enable", err)
	}
	return nil
}

func (d *kqueueDriver) Deregister(id rawID, fd int) error {
	_, err := unix.Kevent(d.fd, []unix.Kevent_t{
		kevent(fd, unix.EVFILT_READ, unix.EV_DELETE, id),
		kevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE, id),
	}, nil, nil)
	if err != nil && err != unix.ENOENT {
		return os.NewSyscallError("kevent delete", err)
	}
	return nil
}

func (d *kqueueDriver) Poll(deadline time.Duration, out []Event) (int, error) {
	var ts *unix.Timespec
	if deadline >= 0 {
		t := unix.NsecToTimespec(deadline.Nanoseconds())
		ts = &t
	}
	raw := make([]unix.Kevent_t, len(out))
	n, err := unix.Kevent(d.fd, nil, raw, ts)
	for err == unix.EINTR {
		n, err = unix.Kevent(d.fd, nil, raw, ts)
	}
	if err != nil {
		return 0, os.NewSyscallError("kevent wait", err)
	}
	count := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		if ev.Ident == wakeupIdent && ev.Filter == unix.EVFILT_USER {
			continue
		}
		id := *(*uint64)(unsafe.Pointer(&ev.Udata))
		var flags Flag
		if ev.Flags&unix.EV_EOF != 0 {
			flags |= FlagHangup | FlagReadHangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			flags |= FlagError
		}
		var ready Interest
		switch ev.Filter {
		case unix.EVFILT_READ:
			ready = InterestRead
		case unix.EVFILT_WRITE:
			ready = InterestWrite
		}
		out[count] = Event{ID: ID(id), Ready: ready, Flags: flags}
		count++
	}
	metrics.Add(metrics.EpollWait, 1)
	metrics.Add(metrics.EpollEvents, uint64(n))
	return count, nil
}

func (d *kqueueDriver) Wake() error {
	_, err := unix.Kevent(d.fd, []unix.Kevent_t{{
		Ident:  wakeupIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
	if err != nil && err != unix.EINTR {
		return os.NewSyscallError("kevent trigger", err)
	}
	return nil
}

func (d *kqueueDriver) Close() {
	_ = unix.Close(d.fd)
}
