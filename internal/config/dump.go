package config

import (
	"fmt"
	"io"
	"sort"

	"github.com/ankit-kulkarni/sniproxy/internal/backend"
	"github.com/ankit-kulkarni/sniproxy/internal/listener"
)

// Dump writes cfg back out in its own stanza syntax. Supplemented feature
// (see SPEC_FULL.md): grounded on config.c's print_config/
// print_listener_config/print_table_config, which sniproxy's own `-t`
// flag uses to verify a config round-trips before reloading it.
func Dump(w io.Writer, cfg *Config) error {
	if cfg.Username != "" {
		if _, err := fmt.Fprintf(w, "username %s\n\n", cfg.Username); err != nil {
			return err
		}
	}

	for _, ln := range cfg.Listeners {
		if err := dumpListener(w, ln); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(cfg.Tables))
	for name := range cfg.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := dumpTable(w, name, cfg.Tables[name]); err != nil {
			return err
		}
	}
	return nil
}

func dumpListener(w io.Writer, ln *listener.Listener) error {
	var header string
	if ln.BindAddr.IsUnix() {
		header = fmt.Sprintf("listener unix:%s {\n", ln.BindAddr.Host())
	} else {
		header = fmt.Sprintf("listener %s %d {\n", ln.BindAddr.Host(), ln.Port)
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\tprotocol %s\n", ln.Protocol); err != nil {
		return err
	}
	// A listener bound to the default (unnamed) table had no "table"
	// directive in its source stanza; omitting it here keeps the dump
	// parseable back into the same binding; a "table" directive with the
	// empty default name would not parse.
	if ln.Table != nil && ln.Table.Name != DefaultTableName {
		if _, err := fmt.Fprintf(w, "\ttable %s\n", ln.Table.Name); err != nil {
			return err
		}
	}
	if ln.HasFallback {
		if _, err := fmt.Fprintf(w, "\tfallback %s %d\n", ln.FallbackAddr.Host(), ln.FallbackAddr.Port); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "}\n\n")
	return err
}

func dumpTable(w io.Writer, name string, t *backend.Table) error {
	header := "table {\n"
	if name != DefaultTableName {
		header = fmt.Sprintf("table %s {\n", name)
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if row.Port != 0 {
			if _, err := fmt.Fprintf(w, "\t%s %s %d\n", row.Pattern, row.Address.Host(), row.Port); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(w, "\t%s %s\n", row.Pattern, row.Address.Host()); err != nil {
				return err
			}
		}
	}
	_, err := io.WriteString(w, "}\n\n")
	return err
}
