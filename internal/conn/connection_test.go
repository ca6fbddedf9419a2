package conn

import (
	"context"
	"net"
	"testing"

	"github.com/ankit-kulkarni/sniproxy/internal/addr"
	"github.com/ankit-kulkarni/sniproxy/internal/netloop"
	"github.com/ankit-kulkarni/sniproxy/internal/sniff"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeResolver is a minimal conn.Resolver for tests: it always reports a
// fixed hostname once any bytes have been peeked, and always resolves to
// whatever backend address the test configures.
type fakeResolver struct {
	backend     addr.Address
	hasBackend  bool
	fallback    addr.Address
	hasFallback bool
}

func (f *fakeResolver) Name() string { return "test" }
func (f *fakeResolver) Sniff(peek []byte) sniff.Result {
	if len(peek) == 0 {
		return sniff.Result{Status: sniff.StatusIncomplete}
	}
	return sniff.Result{Status: sniff.StatusOK, Hostname: "example.com"}
}
func (f *fakeResolver) Lookup(hostname string) (addr.Address, bool) {
	return f.backend, f.hasBackend
}
func (f *fakeResolver) Fallback() (addr.Address, bool) {
	return f.fallback, f.hasFallback
}

// socketpair returns two connected, stream-type unix fds.
func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// echoBackend starts a TCP listener that echoes everything it reads back
// to the sender, standing in for the proxied backend.
func echoBackend(t *testing.T) addr.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	a, err := addr.Parse("127.0.0.1", port)
	require.NoError(t, err)
	return a
}

func runLoop(t *testing.T, loop *netloop.Loop) {
	t.Helper()
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		loop.Stop()
		<-done
	})
}

func TestConnectionRelaysBothDirections(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	loop, err := netloop.New(log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	runLoop(t, loop)

	registry := NewRegistry()
	backend := echoBackend(t)
	resolver := &fakeResolver{backend: backend, hasBackend: true}

	clientFD, harnessFD := socketpair(t)
	require.NoError(t, unix.SetNonblock(clientFD, true))

	clientAddr, err := addr.Parse("127.0.0.1", 55555)
	require.NoError(t, err)

	_, err = Accept(clientFD, clientAddr, resolver, loop, registry, log)
	require.NoError(t, err)
	require.Equal(t, 1, registry.Len())

	payload := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	_, err = unix.Write(harnessFD, payload)
	require.NoError(t, err)

	require.NoError(t, unix.SetsockoptTimeval(harnessFD, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 2}))
	out := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	for len(out) < len(payload) {
		n, err := unix.Read(harnessFD, buf)
		require.NoError(t, err, "expected echoed bytes back from backend through the proxy")
		out = append(out, buf[:n]...)
	}
	require.Equal(t, payload, out)
}
