//go:build darwin || freebsd || netbsd || openbsd

package netloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// kqueuePoller is the BSD/Darwin readiness primitive, adapted directly from
// SeleniaProject-Orizon/internal/runtime/asyncio/kqueue_poller_bsd.go's
// kevent changelist shape and wait loop, generalized from net.Conn-keyed
// registration to raw-fd-keyed registration.
type kqueuePoller struct {
	kq int
	// interest tracks what each fd is currently subscribed to so modify()
	// can issue the right EV_DELETE/EV_ADD pair.
	interest map[int]Interest
}

func newPoller() (poller, int, func() error, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("kqueue: %w", err)
	}
	p := &kqueuePoller{kq: kq, interest: make(map[int]Interest)}

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		_ = unix.Close(kq)
		return nil, 0, nil, fmt.Errorf("pipe: %w", err)
	}
	_ = unix.SetNonblock(fds[0], true)
	_ = unix.SetNonblock(fds[1], true)
	if err := p.add(fds[0], Read); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		_ = unix.Close(kq)
		return nil, 0, nil, err
	}
	wakeStop := func() error {
		_, err := unix.Write(fds[1], []byte{1})
		return err
	}
	return p, fds[0], wakeStop, nil
}

func (p *kqueuePoller) changelist(fd int, interest Interest) []unix.Kevent_t {
	old := p.interest[fd]
	var changes []unix.Kevent_t
	want := func(i Interest) bool { return interest&i != 0 }
	had := func(i Interest) bool { return old&i != 0 }

	if want(Read) && !had(Read) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
	} else if !want(Read) && had(Read) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if want(Write) && !had(Write) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
	} else if !want(Write) && had(Write) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	p.interest[fd] = interest
	return changes
}

func (p *kqueuePoller) add(fd int, interest Interest) error {
	changes := p.changelist(fd, interest)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) modify(fd int, interest Interest) error {
	return p.add(fd, interest)
}

func (p *kqueuePoller) remove(fd int) error {
	delete(p.interest, fd)
	delRead := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE}
	delWrite := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE}
	_, _ = unix.Kevent(p.kq, []unix.Kevent_t{delRead, delWrite}, nil, nil)
	return nil
}

func (p *kqueuePoller) wait(out []event) (int, error) {
	raw := make([]unix.Kevent_t, len(out))
	n, err := unix.Kevent(p.kq, nil, raw, nil)
	if err != nil {
		if err == unix.EINTR {
			return 0, errInterrupted
		}
		return 0, err
	}
	// Coalesce read+write events for the same fd delivered in one batch.
	byFD := make(map[int]*event, n)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ev := raw[i]
		fd := int(ev.Ident)
		e, ok := byFD[fd]
		if !ok {
			e = &event{fd: fd}
			byFD[fd] = e
			order = append(order, fd)
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			e.errored = true
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			e.readable = true
		case unix.EVFILT_WRITE:
			e.writable = true
		}
	}
	count := 0
	for _, fd := range order {
		out[count] = *byFD[fd]
		count++
	}
	return count, nil
}

func (p *kqueuePoller) close() error {
	return unix.Close(p.kq)
}
