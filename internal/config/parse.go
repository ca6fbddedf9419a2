package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ankit-kulkarni/sniproxy/internal/backend"
)

// parser walks a flat, pre-tokenized line stream. Stanza bodies are
// collected as a run of lines between a line ending in "{" and a bare "}",
// matching config.c's grammar, which never nests a stanza inside another.
type parser struct {
	lines []string
	pos   int
}

// Parse reads a configuration file and builds the listener/table graph it
// describes. Comments start with '#' and run to end of line; blank lines
// are ignored.
func Parse(r io.Reader) (*Config, error) {
	lines, err := tokenizeLines(r)
	if err != nil {
		return nil, err
	}
	p := &parser{lines: lines}
	cfg := newConfig()
	if err := p.parseGlobal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.link(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func tokenizeLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return lines, nil
}

func (p *parser) next() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}
	line := p.lines[p.pos]
	p.pos++
	return line, true
}

// body collects lines up to (and consuming) the closing "}".
func (p *parser) body() ([]string, error) {
	var lines []string
	for {
		line, ok := p.next()
		if !ok {
			return nil, fmt.Errorf("config: unterminated stanza, expected }")
		}
		if line == "}" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func (p *parser) parseGlobal(cfg *Config) error {
	// Table stanzas may be defined after or before the listeners that
	// reference them; collect pending listener->table name bindings and
	// resolve once the whole file has been read (see Config.link).
	for {
		line, ok := p.next()
		if !ok {
			return nil
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "username":
			if len(fields) != 2 {
				return fmt.Errorf("config: username directive takes exactly one argument")
			}
			cfg.Username = strings.Trim(fields[1], `"`)
		case "listener":
			if fields[len(fields)-1] != "{" {
				return fmt.Errorf("config: listener stanza must open with {")
			}
			body, err := p.body()
			if err != nil {
				return err
			}
			ln, tableName, err := parseListener(fields, body)
			if err != nil {
				return err
			}
			cfg.pendingListeners = append(cfg.pendingListeners, pendingListener{ln: ln, table: tableName})
		case "table":
			if fields[len(fields)-1] != "{" {
				return fmt.Errorf("config: table stanza must open with {")
			}
			body, err := p.body()
			if err != nil {
				return err
			}
			name, table, err := parseTable(fields, body)
			if err != nil {
				return err
			}
			if _, exists := cfg.Tables[name]; exists {
				return fmt.Errorf("config: table %q defined twice", name)
			}
			cfg.Tables[name] = table
		default:
			return fmt.Errorf("config: unknown directive %q", fields[0])
		}
	}
}

func parseListener(fields, body []string) (*listenerSpec, string, error) {
	if len(fields) < 3 {
		return nil, "", fmt.Errorf("config: listener requires an address")
	}
	addrField := fields[1]
	spec := &listenerSpec{addrField: addrField}

	if strings.HasPrefix(addrField, "unix:") {
		if len(fields) != 3 {
			return nil, "", fmt.Errorf("config: unix listener %q takes no port", addrField)
		}
	} else {
		if len(fields) != 4 {
			return nil, "", fmt.Errorf("config: listener %q requires a port", addrField)
		}
		port, err := parsePort(fields[2])
		if err != nil {
			return nil, "", fmt.Errorf("config: listener %q: %w", addrField, err)
		}
		spec.port = port
	}

	tableName := ""
	for _, line := range body {
		f := strings.Fields(line)
		switch f[0] {
		case "protocol":
			if len(f) != 2 {
				return nil, "", fmt.Errorf("config: protocol directive takes exactly one argument")
			}
			switch f[1] {
			case "tls":
				spec.protocol = "tls"
			case "http":
				spec.protocol = "http"
			default:
				return nil, "", fmt.Errorf("config: unknown protocol %q", f[1])
			}
		case "table":
			if len(f) != 2 {
				return nil, "", fmt.Errorf("config: table directive takes exactly one argument")
			}
			tableName = strings.Trim(f[1], `"`)
		case "fallback":
			if len(f) < 2 || len(f) > 3 {
				return nil, "", fmt.Errorf("config: fallback directive takes an address and optional port")
			}
			spec.fallbackAddr = f[1]
			if len(f) == 3 {
				p, err := parsePort(f[2])
				if err != nil {
					return nil, "", fmt.Errorf("config: fallback port: %w", err)
				}
				spec.fallbackPort = p
			}
			spec.hasFallback = true
		default:
			return nil, "", fmt.Errorf("config: unknown listener directive %q", f[0])
		}
	}
	if spec.protocol == "" {
		return nil, "", fmt.Errorf("config: listener %q is missing a protocol directive", addrField)
	}
	return spec, tableName, nil
}

func parseTable(fields, body []string) (string, *backend.Table, error) {
	name := DefaultTableName
	switch len(fields) {
	case 2: // table {
	case 3: // table NAME {
		name = strings.Trim(fields[1], `"`)
	default:
		return "", nil, fmt.Errorf("config: malformed table header")
	}

	rows := make([]backend.Row, 0, len(body))
	for _, line := range body {
		f := strings.Fields(line)
		if len(f) < 2 || len(f) > 3 {
			return "", nil, fmt.Errorf("config: table row %q must be PATTERN ADDRESS [PORT]", line)
		}
		a, err := parseAddressPort(f[1], "")
		if err != nil {
			return "", nil, fmt.Errorf("config: table row %q: %w", line, err)
		}
		port := 0
		if len(f) == 3 {
			port, err = parsePort(f[2])
			if err != nil {
				return "", nil, fmt.Errorf("config: table row %q: %w", line, err)
			}
		}
		rows = append(rows, backend.Row{Pattern: f[0], Address: a, Port: port})
	}
	return name, &backend.Table{Name: name, Rows: rows}, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n < 0 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}
