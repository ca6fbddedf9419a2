// Package buffer implements the fixed-capacity byte queue each half of a
// proxied connection uses to stage bytes between a non-blocking socket and
// its peer.
package buffer

import (
	"errors"

	"golang.org/x/sys/unix"
)

// DefaultCapacity is the buffer size used when none is specified. 16 KiB
// comfortably holds a TLS ClientHello or an HTTP request line plus headers
// without forcing a second read on the common path.
const DefaultCapacity = 16 * 1024

// Buffer is a fixed-capacity, non-destructively-peekable byte queue backed
// by a single contiguous slice with a head offset. It is not safe for
// concurrent use; the event loop guarantees a connection's buffers are only
// ever touched from one callback invocation at a time.
type Buffer struct {
	data []byte
	head int
	len  int
}

// New allocates a Buffer with the given capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Capacity returns the fixed capacity of the buffer.
func (b *Buffer) Capacity() int { return len(b.data) }

// Len returns the number of bytes currently held.
func (b *Buffer) Len() int { return b.len }

// Room returns how many more bytes can be appended before the buffer is full.
func (b *Buffer) Room() int { return len(b.data) - b.len }

func (b *Buffer) compact() {
	if b.head == 0 {
		return
	}
	copy(b.data, b.data[b.head:b.head+b.len])
	b.head = 0
}

// Peek copies up to len(dst) bytes from the head of the buffer into dst
// without consuming them, returning the number of bytes copied. It never
// modifies buffer state.
func (b *Buffer) Peek(dst []byte) int {
	n := len(dst)
	if n > b.len {
		n = b.len
	}
	copy(dst[:n], b.data[b.head:b.head+n])
	return n
}

// Consume drops the first n bytes from the buffer. n must not exceed Len().
func (b *Buffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n > b.len {
		n = b.len
	}
	b.head += n
	b.len -= n
	if b.len == 0 {
		b.head = 0
	}
}

// isTemporary reports whether err is a transient, retryable socket error
// (EAGAIN/EWOULDBLOCK/EINTR) per spec.md §7.
func isTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// Recv appends bytes read from fd without blocking. It must not be called
// when Room() == 0. Returns (n, nil) for a successful read of n>0 bytes,
// (0, nil) on peer EOF, (0, err) for a temporary error the caller should
// ignore and retry later, or (0, err) for a hard error the caller must treat
// as fatal to the socket. Callers distinguish the two error cases with
// IsTemporary.
func (b *Buffer) Recv(fd int) (int, error) {
	if b.Room() == 0 {
		return 0, errors.New("buffer: Recv called with no room")
	}
	b.compact()
	n, err := unix.Read(fd, b.data[b.head+b.len:len(b.data)])
	if n < 0 {
		n = 0
	}
	if err != nil {
		return 0, err
	}
	b.len += n
	return n, nil
}

// Send writes and consumes the head of the buffer to fd without blocking.
// It must not be called when Len() == 0. Returns (n, nil) for a successful
// write of n bytes (possibly 0 under a temporary condition with err set
// instead), or (0, err) for a hard error.
func (b *Buffer) Send(fd int) (int, error) {
	if b.len == 0 {
		return 0, errors.New("buffer: Send called on empty buffer")
	}
	n, err := unix.Write(fd, b.data[b.head:b.head+b.len])
	if n < 0 {
		n = 0
	}
	if n > 0 {
		b.Consume(n)
	}
	if err != nil {
		return n, err
	}
	return n, nil
}

// IsTemporary reports whether err returned from Recv/Send/Connect
// represents a transient condition (EAGAIN/EWOULDBLOCK/EINTR) that leaves
// state unchanged and simply waits for the watcher to refire, as opposed to
// a hard error that must close the affected side (spec.md §7).
func IsTemporary(err error) bool {
	return err != nil && isTemporary(err)
}
