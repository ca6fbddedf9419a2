// Package config parses the proxy's stanza configuration file and builds
// the listener.Listener/backend.Table graph it describes. The grammar is
// the bespoke indented-stanza language from
// original_source/src/config.c's global_grammar/listener_stanza_grammar/
// table_stanza_grammar (flex+bison in the original); no third-party parser
// in the example pack matches a hand-rolled keyword grammar like this one,
// so this package is hand-written over bufio/strings/strconv (see
// DESIGN.md).
package config

import (
	"fmt"

	"github.com/ankit-kulkarni/sniproxy/internal/addr"
	"github.com/ankit-kulkarni/sniproxy/internal/backend"
	"github.com/ankit-kulkarni/sniproxy/internal/listener"
)

// Config is the fully-resolved result of parsing a configuration file.
type Config struct {
	Username  string
	Tables    map[string]*backend.Table
	Listeners []*listener.Listener

	// pendingListeners holds listener specs collected during parsing,
	// before their address strings and table names are resolved against
	// the full set of tables (which may be declared after the listener
	// that references them).
	pendingListeners []pendingListener
}

// listenerSpec captures a listener stanza's raw directives prior to
// address/table resolution.
type listenerSpec struct {
	addrField    string
	port         int
	protocol     string
	fallbackAddr string
	fallbackPort int
	hasFallback  bool
}

type pendingListener struct {
	ln    *listenerSpec
	table string
}

// link resolves every pending listener's address, protocol and table
// reference into a concrete *listener.Listener, now that the full file has
// been parsed and every table is known regardless of declaration order.
func (c *Config) link() error {
	for _, pl := range c.pendingListeners {
		table, err := c.resolveTable(pl.table)
		if err != nil {
			return err
		}
		bindAddr, err := addr.Parse(pl.ln.addrField, pl.ln.port)
		if err != nil {
			return fmt.Errorf("config: listener %q: %w", pl.ln.addrField, err)
		}
		ln := &listener.Listener{
			BindAddr: bindAddr,
			Port:     pl.ln.port,
			Table:    table,
		}
		if pl.ln.protocol == "http" {
			ln.Protocol = listener.ProtocolHTTP
		} else {
			ln.Protocol = listener.ProtocolTLS
		}
		if pl.ln.hasFallback {
			fb, err := addr.Parse(pl.ln.fallbackAddr, pl.ln.fallbackPort)
			if err != nil {
				return fmt.Errorf("config: listener %q fallback: %w", pl.ln.addrField, err)
			}
			ln.FallbackAddr = fb
			ln.HasFallback = true
		}
		c.Listeners = append(c.Listeners, ln)
	}
	return nil
}

// DefaultTableName is the key under which an unnamed `table { ... }`
// stanza is stored (supplemented feature: spec.md is silent on unnamed
// tables; config.c treats a table with no name as the implicit default).
const DefaultTableName = ""

func newConfig() *Config {
	return &Config{Tables: make(map[string]*backend.Table)}
}

// resolveTable looks up a table by name, reporting a parse error if a
// listener references one that was never defined.
func (c *Config) resolveTable(name string) (*backend.Table, error) {
	t, ok := c.Tables[name]
	if !ok {
		if name == DefaultTableName {
			return nil, fmt.Errorf("config: listener has no table and no default table is defined")
		}
		return nil, fmt.Errorf("config: undefined table %q", name)
	}
	return t, nil
}

// parseAddressPort parses an "ADDRESS [PORT]" pair as used by both table
// rows and listener fallback directives.
func parseAddressPort(addrField, portField string) (addr.Address, error) {
	port := 0
	if portField != "" {
		p, err := parsePort(portField)
		if err != nil {
			return addr.Address{}, err
		}
		port = p
	}
	return addr.Parse(addrField, port)
}
