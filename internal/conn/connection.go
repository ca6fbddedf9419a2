package conn

import (
	"container/list"

	"github.com/ankit-kulkarni/sniproxy/internal/addr"
	"github.com/ankit-kulkarni/sniproxy/internal/buffer"
	"github.com/ankit-kulkarni/sniproxy/internal/netloop"
	"github.com/ankit-kulkarni/sniproxy/internal/sniff"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Resolver is the subset of a listener's behavior a Connection needs in
// order to drive itself through PARSED/RESOLVED without importing the
// listener package (which in turn imports conn to construct Connections).
type Resolver interface {
	// Name identifies the listener for logging, e.g. "tls:0.0.0.0:443".
	Name() string
	// Sniff inspects a non-destructive peek of client bytes.
	Sniff(peek []byte) sniff.Result
	// Lookup resolves a hostname to a backend address via the listener's
	// table, with port-0 rows already substituted for the listener's port,
	// falling back to the listener's fallback address when no row matches.
	Lookup(hostname string) (addr.Address, bool)
	// Fallback returns the listener's fallback address, if configured.
	Fallback() (addr.Address, bool)
}

// Connection is one client<->server relay, tracked through the states of
// spec.md §3. It is only ever touched from the netloop goroutine that owns
// it; there is no internal locking.
type Connection struct {
	ID    uuid.UUID
	State State

	client *halfSocket
	server *halfSocket

	clientAddr addr.Address
	serverAddr addr.Address
	hostname   string

	listener Resolver
	loop     *netloop.Loop
	registry *Registry
	log      *logrus.Entry

	elem *list.Element
}

// Accept constructs a new Connection for a just-accepted client fd and
// arms its initial read watcher. Mirrors new_connection()+the watcher
// setup that immediately follows accept_cb() in connection.c.
func Accept(clientFD int, clientAddr addr.Address, listener Resolver, loop *netloop.Loop, registry *Registry, log *logrus.Logger) (*Connection, error) {
	c := &Connection{
		ID:         uuid.New(),
		State:      StateAccepted,
		client:     newHalfSocket(clientFD, buffer.DefaultCapacity),
		clientAddr: clientAddr,
		listener:   listener,
		loop:       loop,
		registry:   registry,
	}
	c.server = &halfSocket{fd: -1, buf: buffer.New(buffer.DefaultCapacity)}
	c.log = log.WithFields(logrus.Fields{"conn": c.ID.String(), "listener": listener.Name(), "client": clientAddr.String()})

	if err := loop.Register(clientFD, netloop.Read, c.onClientEvent); err != nil {
		return nil, err
	}
	c.client.registered = true
	registry.Add(c)
	c.log.Debug("accepted")
	return c, nil
}

func (c *Connection) onClientEvent(readable, writable bool) { c.handle(true, readable, writable) }
func (c *Connection) onServerEvent(readable, writable bool) { c.handle(false, readable, writable) }

// handle implements the body of connection_cb: receive, transmit, state
// progression, half-close drain, termination, watcher reactivation and LRU
// touch, in that exact order (spec.md §4.5).
func (c *Connection) handle(isClient bool, readable, writable bool) {
	var input, output *buffer.Buffer
	var sourceFD int
	var closeSource func()
	if isClient {
		input, output, sourceFD = c.client.buf, c.server.buf, c.client.fd
		closeSource = c.closeClientSocket
	} else {
		input, output, sourceFD = c.server.buf, c.client.buf, c.server.fd
		closeSource = c.closeServerSocket
	}

	// (a) receive
	if readable && input.Room() > 0 {
		n, err := input.Recv(sourceFD)
		switch {
		case err != nil && !buffer.IsTemporary(err):
			c.log.WithError(err).Warn("recv failed, closing source side")
			closeSource()
			readable, writable = false, false
		case err == nil && n == 0:
			c.log.Debug("peer shut down, closing source side")
			closeSource()
			readable, writable = false, false
		}
	}

	// (b) transmit
	if writable && output.Len() > 0 {
		_, err := output.Send(sourceFD)
		if err != nil && !buffer.IsTemporary(err) {
			c.log.WithError(err).Warn("send failed, closing source side")
			closeSource()
		}
	}

	// (c) state progression, driven only by client-side readiness
	// Advance as far as local processing allows without blocking: none of
	// parse/resolve/connect wait on more client bytes once the current
	// step has what it needs, so they chain within a single callback
	// instead of needing one readiness event per state.
	if isClient {
		for {
			prev := c.State
			switch prev {
			case StateAccepted:
				c.tryParse()
			case StateParsed:
				c.tryResolve()
			case StateResolved:
				c.tryConnect()
			}
			if c.State == prev {
				break
			}
		}
	}

	// (d) half-close drain
	if c.State == StateServerClosed && c.server.buf.Len() == 0 {
		c.closeClientSocket()
	}
	if c.State == StateClientClosed && c.client.buf.Len() == 0 {
		c.closeServerSocket()
	}

	// (e) termination
	if c.State == StateClosed {
		c.registry.Remove(c)
		c.log.Debug("closed")
		return
	}

	// (f) watcher reactivation
	if c.clientOpen() {
		c.reactivate(c.client, c.client.buf, c.server.buf, c.onClientEvent)
	}
	if c.serverOpen() {
		c.reactivate(c.server, c.server.buf, c.client.buf, c.onServerEvent)
	}

	// (g) LRU maintenance
	c.registry.Touch(c)
}

func (c *Connection) tryParse() {
	peek := make([]byte, c.client.buf.Len())
	n := c.client.buf.Peek(peek)
	if n == 0 {
		return
	}
	result := c.listener.Sniff(peek[:n])
	switch result.Status {
	case sniff.StatusIncomplete:
		return
	case sniff.StatusOK:
		c.hostname = result.Hostname
		c.State = StateParsed
		c.log = c.log.WithField("host", c.hostname)
	case sniff.StatusNoHostname, sniff.StatusMalformed:
		if fb, ok := c.listener.Fallback(); ok {
			c.serverAddr = fb
			c.State = StateResolved
			return
		}
		c.log.Debug("no hostname and no fallback configured")
		c.closeClientSocket()
	}
}

func (c *Connection) tryResolve() {
	resolved, ok := c.listener.Lookup(c.hostname)
	if !ok {
		c.log.WithField("host", c.hostname).Debug("no backend table entry and no fallback")
		c.closeClientSocket()
		return
	}
	if resolved.IsHostname() {
		c.log.WithField("host", c.hostname).Warn("backend address is an unresolved hostname; DNS resolution is not supported")
		c.closeClientSocket()
		return
	}
	c.serverAddr = resolved
	c.State = StateResolved
}

func (c *Connection) tryConnect() {
	family, err := c.serverAddr.Family()
	if err != nil {
		c.log.WithError(err).Warn("invalid backend address family")
		c.State = StateServerClosed
		return
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		c.log.WithError(err).Warn("socket() for backend connect failed")
		c.State = StateServerClosed
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		c.log.WithError(err).Warn("setnonblock on backend socket failed")
		c.State = StateServerClosed
		return
	}
	unix.CloseOnExec(fd)

	sa, err := c.serverAddr.Sockaddr()
	if err != nil {
		_ = unix.Close(fd)
		c.log.WithError(err).Warn("could not build backend sockaddr")
		c.State = StateServerClosed
		return
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		c.log.WithError(err).WithField("backend", c.serverAddr.String()).Warn("connect to backend failed")
		c.State = StateServerClosed
		return
	}

	c.server.fd = fd
	if err := c.loop.Register(fd, netloop.Write, c.onServerEvent); err != nil {
		_ = unix.Close(fd)
		c.log.WithError(err).Warn("failed to register backend watcher")
		c.server.fd = -1
		c.State = StateServerClosed
		return
	}
	c.server.registered = true
	c.State = StateConnected
	c.log.WithField("backend", c.serverAddr.String()).Debug("connected")
}

// closeClientSocket tears down the client half. Mirrors close_client_socket.
func (c *Connection) closeClientSocket() {
	invariant(c.State != StateClosed && c.State != StateClientClosed, "close_client_socket: client already closed")
	if c.client.registered {
		_ = c.loop.Deregister(c.client.fd)
		c.client.registered = false
	}
	if err := unix.Close(c.client.fd); err != nil {
		c.log.WithError(err).Debug("close(client fd) failed")
	}
	switch c.State {
	case StateServerClosed, StateAccepted, StateParsed, StateResolved:
		// Either the server side is already gone, or it never existed
		// (no backend socket is opened before RESOLVED): nothing left
		// to wait on, so the connection terminates outright.
		c.State = StateClosed
	default:
		c.State = StateClientClosed
	}
}

// closeServerSocket tears down the server half. Mirrors close_server_socket.
func (c *Connection) closeServerSocket() {
	invariant(c.State != StateClosed && c.State != StateServerClosed, "close_server_socket: server already closed")
	if c.server.registered {
		_ = c.loop.Deregister(c.server.fd)
		c.server.registered = false
	}
	if c.server.fd >= 0 {
		if err := unix.Close(c.server.fd); err != nil {
			c.log.WithError(err).Debug("close(server fd) failed")
		}
	}
	switch c.State {
	case StateClientClosed:
		c.State = StateClosed
	default:
		c.State = StateServerClosed
	}
}

func (c *Connection) clientOpen() bool {
	switch c.State {
	case StateAccepted, StateParsed, StateResolved, StateConnected, StateServerClosed:
		return true
	}
	return false
}

func (c *Connection) serverOpen() bool {
	switch c.State {
	case StateConnected, StateClientClosed:
		return true
	}
	return false
}

// reactivate implements reactivate_watcher: compute the interest this side
// now needs and arm, modify, or disarm its watcher accordingly.
func (c *Connection) reactivate(hs *halfSocket, input, output *buffer.Buffer, handler netloop.Handler) {
	var interest netloop.Interest
	if input.Room() > 0 {
		interest |= netloop.Read
	}
	if output.Len() > 0 {
		interest |= netloop.Write
	}

	if interest == 0 {
		if hs.registered {
			_ = c.loop.Deregister(hs.fd)
			hs.registered = false
		}
		return
	}
	if !hs.registered {
		if err := c.loop.Register(hs.fd, interest, handler); err != nil {
			c.log.WithError(err).Warn("failed to rearm watcher")
			return
		}
		hs.registered = true
		return
	}
	if err := c.loop.Modify(hs.fd, interest); err != nil {
		c.log.WithError(err).Warn("failed to modify watcher interest")
	}
}

// DumpRow is a snapshot of one connection for the admin dump surface.
type DumpRow struct {
	ID          string
	State       string
	Listener    string
	ClientAddr  string
	ClientBytes int
	ClientCap   int
	ServerAddr  string
	ServerBytes int
	ServerCap   int
}

func (c *Connection) dump() DumpRow {
	row := DumpRow{
		ID:          c.ID.String(),
		State:       c.State.String(),
		Listener:    c.listener.Name(),
		ClientAddr:  c.clientAddr.String(),
		ClientBytes: c.client.buf.Len(),
		ClientCap:   c.client.buf.Capacity(),
	}
	if c.State == StateResolved || c.State == StateConnected || c.State == StateClientClosed {
		row.ServerAddr = c.serverAddr.String()
	} else {
		row.ServerAddr = "-"
	}
	row.ServerBytes = c.server.buf.Len()
	row.ServerCap = c.server.buf.Capacity()
	return row
}
