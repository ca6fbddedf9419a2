// Package backend implements the ordered (hostname-pattern, address, port)
// lookup table described in spec.md §3/§4.3.
package backend

import (
	"path"
	"strings"

	"github.com/ankit-kulkarni/sniproxy/internal/addr"
)

// Row is one (pattern, address, port) mapping. Port 0 means "reuse the
// listener's port" (spec.md §3, SPEC_FULL.md supplement 5).
type Row struct {
	Pattern string
	Address addr.Address
	Port    int
}

// Table is an ordered, named list of backend rows plus an implicit default
// name ("") for the table a listener names no table for, per
// original_source/src/config.c's unnamed `table { ... }` stanza.
type Table struct {
	Name string
	Rows []Row
}

// Lookup returns the first row whose pattern matches hostname, with the
// matched row's port substituted for listenerPort when the row's port is 0.
// ok is false when no row matches; the table itself holds no fallback, so
// the caller (the listener) is responsible for trying its fallback address.
func (t *Table) Lookup(hostname string, listenerPort int) (addr.Address, bool) {
	if t == nil {
		return addr.Address{}, false
	}
	lower := strings.ToLower(hostname)
	for _, row := range t.Rows {
		if matchPattern(row.Pattern, lower) {
			port := row.Port
			if port == 0 {
				port = listenerPort
			}
			return row.Address.WithPort(port), true
		}
	}
	return addr.Address{}, false
}

// matchPattern applies glob semantics (the convention per spec.md §4.3,
// left opaque to the core) via the standard library's path.Match, which
// supports '*', '?', and character classes — sufficient for hostname globs
// like "*.example.com" without pulling in a third-party glob engine.
func matchPattern(pattern, hostname string) bool {
	if pattern == hostname {
		return true
	}
	ok, err := path.Match(strings.ToLower(pattern), hostname)
	return err == nil && ok
}
