// Package addr implements the tagged address value used throughout the
// proxy to represent a UNIX path, an IPv4 or IPv6 sockaddr, or an
// unresolved hostname, per spec.md §3.
package addr

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Kind tags which variant an Address holds.
type Kind int

const (
	// KindHostname marks an address that has not been resolved to a
	// sockaddr yet. The core treats a hostname reaching RESOLVED as an
	// error: "DNS lookups not supported" (spec.md §4.3).
	KindHostname Kind = iota
	KindUnix
	KindIPv4
	KindIPv6
)

// Address is a tagged union over the four forms spec.md §3/§6 names.
type Address struct {
	Kind     Kind
	Hostname string // KindHostname
	Path     string // KindUnix
	IP       net.IP // KindIPv4 / KindIPv6
	Port     int    // KindIPv4 / KindIPv6
}

// Parse interprets one of the forms accepted by the config grammar:
// "unix:/path", dotted IPv4, bracketed or bare IPv6, or a bare hostname.
// port is used for IPv4/IPv6 forms that do not embed their own port.
func Parse(s string, port int) (Address, error) {
	if strings.HasPrefix(s, "unix:") {
		path := strings.TrimPrefix(s, "unix:")
		if path == "" {
			return Address{}, fmt.Errorf("addr: empty unix path")
		}
		return Address{Kind: KindUnix, Path: path}, nil
	}

	// Bracketed IPv6, optionally with its own port: [::1]:443
	if strings.HasPrefix(s, "[") {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			// no port suffix, just "[::1]"
			host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		} else if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return Address{}, fmt.Errorf("addr: invalid IPv6 address %q", s)
		}
		return Address{Kind: KindIPv6, IP: ip, Port: port}, nil
	}

	if ip := net.ParseIP(s); ip != nil {
		if ip.To4() != nil {
			return Address{Kind: KindIPv4, IP: ip, Port: port}, nil
		}
		return Address{Kind: KindIPv6, IP: ip, Port: port}, nil
	}

	return Address{Kind: KindHostname, Hostname: s}, nil
}

// IsHostname reports whether this is an unresolved hostname address.
func (a Address) IsHostname() bool { return a.Kind == KindHostname }

// IsSockaddr reports whether this address is ready to be passed to connect().
func (a Address) IsSockaddr() bool { return !a.IsHostname() }

// IsUnix reports whether this address names a unix domain socket path.
func (a Address) IsUnix() bool { return a.Kind == KindUnix }

// Host renders the address without any port suffix: the bare IP, path, or
// hostname. Used when the port is displayed separately, e.g. a config
// dump's "PATTERN ADDRESS PORT" row.
func (a Address) Host() string {
	switch a.Kind {
	case KindUnix:
		return a.Path
	case KindIPv4, KindIPv6:
		return a.IP.String()
	case KindHostname:
		return a.Hostname
	default:
		return "-"
	}
}

// WithPort returns a copy of a with its port replaced, used to implement
// "port 0 means reuse the listener's port" (spec.md §3, SPEC_FULL.md
// supplement 5).
func (a Address) WithPort(port int) Address {
	a.Port = port
	return a
}

// Family returns the address family for a Unix socket() call.
func (a Address) Family() (int, error) {
	switch a.Kind {
	case KindUnix:
		return unix.AF_UNIX, nil
	case KindIPv4:
		return unix.AF_INET, nil
	case KindIPv6:
		return unix.AF_INET6, nil
	default:
		return 0, fmt.Errorf("addr: %v has no socket family", a)
	}
}

// Sockaddr converts a resolved Address into a unix.Sockaddr suitable for
// Connect/Bind.
func (a Address) Sockaddr() (unix.Sockaddr, error) {
	switch a.Kind {
	case KindUnix:
		return &unix.SockaddrUnix{Name: a.Path}, nil
	case KindIPv4:
		var sa unix.SockaddrInet4
		ip4 := a.IP.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("addr: %v is not a valid IPv4 address", a.IP)
		}
		copy(sa.Addr[:], ip4)
		sa.Port = a.Port
		return &sa, nil
	case KindIPv6:
		var sa unix.SockaddrInet6
		ip16 := a.IP.To16()
		if ip16 == nil {
			return nil, fmt.Errorf("addr: %v is not a valid IPv6 address", a.IP)
		}
		copy(sa.Addr[:], ip16)
		sa.Port = a.Port
		return &sa, nil
	default:
		return nil, fmt.Errorf("addr: cannot build sockaddr for hostname %q", a.Hostname)
	}
}

// FromSockaddr converts a unix.Sockaddr (as returned by Accept4/Getpeername)
// back into an Address, used to record a client's peer address.
func FromSockaddr(sa unix.Sockaddr) Address {
	switch v := sa.(type) {
	case *unix.SockaddrUnix:
		return Address{Kind: KindUnix, Path: v.Name}
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, v.Addr[:])
		return Address{Kind: KindIPv4, IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return Address{Kind: KindIPv6, IP: ip, Port: v.Port}
	default:
		return Address{}
	}
}

// String renders the address the way the C original's display_sockaddr did:
// "ip:port" for inet addresses, the bare path for unix sockets.
func (a Address) String() string {
	switch a.Kind {
	case KindUnix:
		return a.Path
	case KindIPv4, KindIPv6:
		return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
	case KindHostname:
		return a.Hostname
	default:
		return "-"
	}
}
