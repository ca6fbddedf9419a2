// Package netloop implements the single-threaded, readiness-multiplexing
// event loop driver described in spec.md §4.6: listeners and connections
// register fd-keyed watchers, the loop dispatches callbacks on readiness,
// and exposes Run/Stop. The OS-specific readiness primitive (epoll on
// Linux, kqueue on BSD/Darwin) is abstracted behind the unexported poller
// interface, grounded on SeleniaProject-Orizon's kqueue_poller_bsd.go.
package netloop

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Interest is a bitmask of readiness kinds a watcher cares about.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
)

// Handler is invoked by the loop on readiness. readable/writable reflect
// which of the watcher's registered interests fired this turn.
type Handler func(readable, writable bool)

// event is what a poller reports back per wakeup.
type event struct {
	fd       int
	readable bool
	writable bool
	errored  bool
}

// poller is the OS-specific readiness primitive the Loop drives. Exactly
// one implementation is linked per platform via build tags.
type poller interface {
	add(fd int, interest Interest) error
	modify(fd int, interest Interest) error
	remove(fd int) error
	wait(out []event) (int, error)
	close() error
}

type registration struct {
	fd       int
	interest Interest
	handler  Handler
}

// Loop is the event loop driver. It is not safe for concurrent use from
// multiple goroutines beyond the Run goroutine plus Stop.
type Loop struct {
	log *logrus.Logger

	mu   sync.Mutex
	p    poller
	regs map[int]*registration

	wakeFD   int
	wakeStop func() error

	stopOnce sync.Once
	done     chan struct{}
}

// New constructs a Loop using the platform's native poller.
func New(log *logrus.Logger) (*Loop, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p, wakeFD, wakeStop, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("netloop: %w", err)
	}
	l := &Loop{
		log:      log,
		p:        p,
		regs:     make(map[int]*registration),
		wakeFD:   wakeFD,
		wakeStop: wakeStop,
		done:     make(chan struct{}),
	}
	return l, nil
}

// Register arms a watcher for fd with the given interest. Exactly one
// watcher may exist per fd at a time (spec.md §5 resource policy).
func (l *Loop) Register(fd int, interest Interest, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.regs[fd]; exists {
		return fmt.Errorf("netloop: fd %d already registered", fd)
	}
	if err := l.p.add(fd, interest); err != nil {
		return err
	}
	l.regs[fd] = &registration{fd: fd, interest: interest, handler: h}
	return nil
}

// Modify changes the interest set for an already-registered fd.
func (l *Loop) Modify(fd int, interest Interest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	reg, ok := l.regs[fd]
	if !ok {
		return fmt.Errorf("netloop: fd %d not registered", fd)
	}
	if reg.interest == interest {
		return nil
	}
	if err := l.p.modify(fd, interest); err != nil {
		return err
	}
	reg.interest = interest
	return nil
}

// Deregister removes fd's watcher. The caller is responsible for closing
// the fd itself; per spec.md §5, stopping the watcher must happen before
// the fd is closed.
func (l *Loop) Deregister(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.regs[fd]; !ok {
		return nil
	}
	delete(l.regs, fd)
	return l.p.remove(fd)
}

// Run drives the loop until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	events := make([]event, 128)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.done:
			return nil
		default:
		}

		n, err := l.p.wait(events)
		if err != nil {
			if err == errInterrupted {
				continue
			}
			return fmt.Errorf("netloop: wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.fd == l.wakeFD {
				continue
			}
			l.mu.Lock()
			reg, ok := l.regs[ev.fd]
			l.mu.Unlock()
			if !ok {
				continue
			}
			readable := ev.readable || ev.errored
			writable := ev.writable || ev.errored
			func() {
				defer func() {
					if r := recover(); r != nil {
						l.log.WithField("fd", ev.fd).Errorf("netloop: handler panic: %v", r)
					}
				}()
				reg.handler(readable, writable)
			}()
		}
	}
}

// Stop breaks Run out of its wait loop.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		if l.wakeStop != nil {
			_ = l.wakeStop()
		}
	})
}

// Close releases the underlying OS poller resource.
func (l *Loop) Close() error {
	return l.p.close()
}
