package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRoomAndLenInvariant(t *testing.T) {
	b := New(8)
	require.Equal(t, 8, b.Capacity())
	require.Equal(t, 0, b.Len())
	require.Equal(t, 8, b.Room())

	r, w := pipe(t)
	n, err := unix.Write(w, []byte("abcd"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	got, err := b.Recv(r)
	require.NoError(t, err)
	require.Equal(t, 4, got)
	require.Equal(t, 4, b.Len())
	require.Equal(t, 4, b.Room())
	require.True(t, b.Len() >= 0 && b.Len() <= b.Capacity())
}

func TestPeekIsNonDestructive(t *testing.T) {
	b := New(16)
	r, w := pipe(t)
	_, err := unix.Write(w, []byte("hello"))
	require.NoError(t, err)
	_, err = b.Recv(r)
	require.NoError(t, err)

	dst := make([]byte, 16)
	n := b.Peek(dst)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(dst[:n]))

	// Peeking again returns the same bytes: nothing was consumed.
	n2 := b.Peek(dst)
	require.Equal(t, n, n2)
	require.Equal(t, 5, b.Len())
}

func TestConsumeThenCompact(t *testing.T) {
	b := New(8)
	r, w := pipe(t)
	_, err := unix.Write(w, []byte("abcdef"))
	require.NoError(t, err)
	_, err = b.Recv(r)
	require.NoError(t, err)
	require.Equal(t, 6, b.Len())

	b.Consume(4)
	require.Equal(t, 2, b.Len())
	require.Equal(t, 6, b.Room())

	dst := make([]byte, 2)
	require.Equal(t, 2, b.Peek(dst))
	require.Equal(t, "ef", string(dst))
}

func TestSendDrainsFromHead(t *testing.T) {
	b := New(16)
	r, w := pipe(t)
	_, err := unix.Write(w, []byte("payload"))
	require.NoError(t, err)
	_, err = b.Recv(r)
	require.NoError(t, err)

	r2, w2 := pipe(t)
	n, err := b.Send(w2)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, 0, b.Len())

	out := make([]byte, 16)
	got, err := unix.Read(r2, out)
	require.NoError(t, err)
	require.Equal(t, "payload", string(out[:got]))
}

func TestRecvEOFReturnsZeroNil(t *testing.T) {
	b := New(8)
	r, w := pipe(t)
	require.NoError(t, unix.Close(w))

	n, err := b.Recv(r)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRecvOnFullBufferErrors(t *testing.T) {
	b := New(4)
	r, w := pipe(t)
	_, err := unix.Write(w, []byte("abcd"))
	require.NoError(t, err)
	_, err = b.Recv(r)
	require.NoError(t, err)
	require.Equal(t, 0, b.Room())

	_, err = b.Recv(r)
	require.Error(t, err)
}

func TestIsTemporary(t *testing.T) {
	require.True(t, IsTemporary(unix.EAGAIN))
	require.True(t, IsTemporary(unix.EWOULDBLOCK))
	require.True(t, IsTemporary(unix.EINTR))
	require.False(t, IsTemporary(unix.ECONNRESET))
	require.False(t, IsTemporary(nil))
}
