package conn

import "github.com/ankit-kulkarni/sniproxy/internal/buffer"

// halfSocket holds one side (client or server) of a Connection: its fd, the
// buffer it reads into and is drained from, and whether a netloop watcher
// is currently armed for it. Mirrors original_source/src/connection.h's
// `struct Socket` embedded in `struct Connection`.
type halfSocket struct {
	fd         int
	buf        *buffer.Buffer
	registered bool
}

func newHalfSocket(fd int, capacity int) *halfSocket {
	return &halfSocket{fd: fd, buf: buffer.New(capacity)}
}
