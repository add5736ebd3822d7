//go:build linux

package sched

import (
	"sync"

	"golang.org/x/sys/unix"
)

// epollPoller is an epoll-backed fdPoller, adapted from
// eventloop.FastPoller (joeycumines-go-utilpkg/eventloop/poller_linux.go):
// same epoll_create1/epoll_ctl/epoll_wait shape, trimmed of the
// direct-indexed [65536]fdInfo array and cache-line padding — this stack
// registers at most a handful of driver FDs, so a plain map is simpler and
// just as correct.
type epollPoller struct {
	epfd   int
	wakeFd int

	mu  sync.Mutex
	fds map[int]fdInfo
}

type fdInfo struct {
	events IOEvents
	cb     func(IOEvents)
}

func newFDPoller() fdPoller {
	p := &epollPoller{fds: make(map[int]fdInfo)}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		// Fall back to a poller with no real FD support rather than fail
		// construction; Loop still works for timers/queued/fast events.
		return &noopPoller{}
	}
	p.epfd = epfd

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err == nil {
		p.wakeFd = wakeFd
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(wakeFd),
		})
	} else {
		p.wakeFd = -1
	}
	return p
}

func toEpollEvents(e IOEvents) uint32 {
	var out uint32
	if e&EventRead != 0 {
		out |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpollEvents(e uint32) IOEvents {
	var out IOEvents
	if e&unix.EPOLLIN != 0 {
		out |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		out |= EventWrite
	}
	if e&(unix.EPOLLERR) != 0 {
		out |= EventError
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		out |= EventHangup
	}
	return out
}

func (p *epollPoller) RegisterFD(fd int, events IOEvents, cb func(IOEvents)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.fds[fd]; exists {
		return ErrFDAlreadyRegistered
	}
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = fdInfo{events: events, cb: cb}
	return nil
}

func (p *epollPoller) UnregisterFD(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.fds[fd]; !exists {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Poll(timeoutMs int, wakeCh <-chan struct{}) {
	var events [32]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], timeoutMs)
	if err != nil {
		return
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == p.wakeFd {
			p.drainWake()
			continue
		}
		p.mu.Lock()
		info, ok := p.fds[fd]
		p.mu.Unlock()
		if ok {
			info.cb(fromEpollEvents(events[i].Events))
		}
	}
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			break
		}
	}
}

func (p *epollPoller) Wake() {
	if p.wakeFd < 0 {
		return
	}
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(p.wakeFd, buf[:])
}

func (p *epollPoller) Close() error {
	if p.wakeFd >= 0 {
		_ = unix.Close(p.wakeFd)
	}
	return unix.Close(p.epfd)
}
