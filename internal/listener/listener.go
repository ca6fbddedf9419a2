// Package listener binds the proxy's listening sockets and turns accepted
// clients into conn.Connections. Grounded on
// Ankit-Kulkarni-go-experiments/transparentProxy/main.go's accept loop
// shape, generalized from blocking goroutine-per-connection to
// readiness-driven accept via internal/netloop, and on
// graceful_restarts/tbflip/main.go for binding through a
// cloudflare/tableflip Upgrader instead of net.Listen directly so a listener
// survives a binary upgrade (spec.md §9 "Redesign flags").
package listener

import (
	"fmt"
	"net"
	"syscall"

	"github.com/ankit-kulkarni/sniproxy/internal/addr"
	"github.com/ankit-kulkarni/sniproxy/internal/backend"
	"github.com/ankit-kulkarni/sniproxy/internal/conn"
	"github.com/ankit-kulkarni/sniproxy/internal/netloop"
	"github.com/ankit-kulkarni/sniproxy/internal/sniff"
	"github.com/cloudflare/tableflip"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Protocol selects which sniffer a listener uses to extract a hostname.
type Protocol int

const (
	ProtocolTLS Protocol = iota
	ProtocolHTTP
)

func (p Protocol) String() string {
	if p == ProtocolHTTP {
		return "http"
	}
	return "tls"
}

// Listener owns one bound socket, its routing table, and an optional
// fallback backend used when sniffing fails to produce a hostname.
type Listener struct {
	BindAddr     addr.Address
	Port         int
	Protocol     Protocol
	Table        *backend.Table
	FallbackAddr addr.Address
	HasFallback  bool

	ln  net.Listener
	fd  int
	log *logrus.Entry

	loop     *netloop.Loop
	registry *conn.Registry
}

// Name identifies the listener for logging and admin dumps.
func (l *Listener) Name() string {
	return fmt.Sprintf("%s:%s", l.Protocol, l.BindAddr.WithPort(l.Port).String())
}

// Sniff satisfies conn.Resolver by dispatching to the protocol-appropriate
// sniffer from internal/sniff.
func (l *Listener) Sniff(peek []byte) sniff.Result {
	if l.Protocol == ProtocolHTTP {
		return sniff.HTTP(peek)
	}
	return sniff.TLS(peek)
}

// Lookup satisfies conn.Resolver, substituting this listener's own port
// for any backend row that specifies port 0 (spec.md supplemented feature).
// When no table row matches, the fallback address is returned if one is
// configured.
func (l *Listener) Lookup(hostname string) (addr.Address, bool) {
	if a, ok := l.Table.Lookup(hostname, l.Port); ok {
		return a, true
	}
	return l.Fallback()
}

// Fallback satisfies conn.Resolver.
func (l *Listener) Fallback() (addr.Address, bool) {
	return l.FallbackAddr, l.HasFallback
}

// Start binds the listening socket through upg (so it is handed across a
// zero-downtime binary upgrade), extracts its raw fd, and arms an accept
// watcher on loop. The net.Listener itself is never Accept()ed through;
// it exists purely so tableflip can track and hand off the fd. Grounded on
// sendfl/main.go's use of (*net.TCPConn).SyscallConn() to drop to the raw
// fd alongside the Go runtime's own bookkeeping of the same connection.
func (l *Listener) Start(upg *tableflip.Upgrader, loop *netloop.Loop, registry *conn.Registry, log *logrus.Logger) error {
	network, address, err := l.dialTuple()
	if err != nil {
		return err
	}
	ln, err := upg.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listener %s: listen: %w", l.Name(), err)
	}
	sc, ok := ln.(syscall.Conn)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("listener %s: underlying listener does not expose a raw fd", l.Name())
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("listener %s: SyscallConn: %w", l.Name(), err)
	}
	var fd int
	var ctrlErr error
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		ctrlErr = err
	}
	if ctrlErr != nil {
		_ = ln.Close()
		return fmt.Errorf("listener %s: fd extraction: %w", l.Name(), ctrlErr)
	}
	_ = unix.SetNonblock(fd, true)

	l.ln = ln
	l.fd = fd
	l.loop = loop
	l.registry = registry
	l.log = log.WithFields(logrus.Fields{"listener": l.Name()})

	if err := loop.Register(fd, netloop.Read, l.onAcceptReady); err != nil {
		_ = ln.Close()
		return fmt.Errorf("listener %s: register: %w", l.Name(), err)
	}
	l.log.Info("listening")
	return nil
}

func (l *Listener) dialTuple() (network, address string, err error) {
	switch l.BindAddr.Kind {
	case addr.KindUnix:
		return "unix", l.BindAddr.Path, nil
	case addr.KindIPv6:
		return "tcp", fmt.Sprintf("[%s]:%d", l.BindAddr.IP.String(), l.Port), nil
	case addr.KindIPv4:
		return "tcp", fmt.Sprintf("%s:%d", l.BindAddr.IP.String(), l.Port), nil
	default:
		return "tcp", fmt.Sprintf("%s:%d", l.BindAddr.Hostname, l.Port), nil
	}
}

// onAcceptReady drains the accept queue until it would block, handing each
// client to conn.Accept. Multiple clients may have queued since the last
// wakeup, so this loops rather than accepting once per readiness event.
func (l *Listener) onAcceptReady(readable, writable bool) {
	for {
		clientFD, sa, err := unix.Accept(l.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			l.log.WithError(err).Warn("accept failed")
			return
		}
		if err := unix.SetNonblock(clientFD, true); err != nil {
			l.log.WithError(err).Warn("setnonblock on accepted client failed")
			_ = unix.Close(clientFD)
			continue
		}
		unix.CloseOnExec(clientFD)
		clientAddr := addr.FromSockaddr(sa)
		if _, err := conn.Accept(clientFD, clientAddr, l, l.loop, l.registry, l.log.Logger); err != nil {
			l.log.WithError(err).Warn("failed to register accepted connection")
			_ = unix.Close(clientFD)
		}
	}
}

// Close stops the accept watcher and releases the listening socket. The
// tableflip Upgrader handles handoff during Upgrade().
func (l *Listener) Close() error {
	if l.loop != nil {
		_ = l.loop.Deregister(l.fd)
	}
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}
