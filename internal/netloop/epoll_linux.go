//go:build linux

package netloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux readiness primitive, grounded on the
// register/modify/deregister/wait contract of
// SeleniaProject-Orizon/internal/runtime/asyncio's kqueue_poller_bsd.go,
// generalized here from net.Conn-keyed registration to raw-fd-keyed
// registration so the core can drive non-blocking recv/send/connect
// directly on the socket fd (spec.md §4.6).
type epollPoller struct {
	epfd int
}

func newPoller() (poller, int, func() error, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("epoll_create1: %w", err)
	}
	p := &epollPoller{epfd: epfd}

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, 0, nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := p.add(wakeFD, Read); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, 0, nil, err
	}
	wakeStop := func() error {
		buf := make([]byte, 8)
		buf[7] = 1
		_, err := unix.Write(wakeFD, buf)
		return err
	}
	return p, wakeFD, wakeStop, nil
}

func toEpollEvents(interest Interest) uint32 {
	var events uint32
	if interest&Read != 0 {
		events |= unix.EPOLLIN
	}
	if interest&Write != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func (p *epollPoller) add(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) modify(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) wait(out []event) (int, error) {
	raw := make([]unix.EpollEvent, len(out))
	n, err := unix.EpollWait(p.epfd, raw, -1)
	if err != nil {
		if err == unix.EINTR {
			return 0, errInterrupted
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		out[i] = event{
			fd:       int(raw[i].Fd),
			readable: raw[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			writable: raw[i].Events&unix.EPOLLOUT != 0,
			errored:  raw[i].Events&unix.EPOLLERR != 0,
		}
	}
	return n, nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}
