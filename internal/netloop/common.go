package netloop

import "errors"

// errInterrupted is returned internally by a poller's wait() when it was
// interrupted by EINTR and should simply be retried.
var errInterrupted = errors.New("netloop: interrupted")
