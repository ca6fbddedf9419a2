package admin

import (
	"fmt"
	"os"

	"github.com/ankit-kulkarni/sniproxy/internal/conn"
)

// DumpToFile writes a plaintext snapshot of every live connection to a
// unique file under dir and returns its path. Grounded on
// original_source/src/connection.c's print_connection, which formats one
// fixed-width row per connection; the original wires this to a SIGUSR1
// handler, reproduced in cmd/sniproxy's signal setup.
func DumpToFile(registry *conn.Registry, dir string) (string, error) {
	f, err := os.CreateTemp(dir, "sniproxy-dump-*.txt")
	if err != nil {
		return "", fmt.Errorf("admin: create dump file: %w", err)
	}
	defer f.Close()

	rows := registry.Dump()
	fmt.Fprintf(f, "%-36s %-14s %-22s %-25s %9s %-25s %9s\n",
		"ID", "STATE", "LISTENER", "CLIENT_ADDR", "CLIENT_BUF", "SERVER_ADDR", "SERVER_BUF")
	for _, row := range rows {
		fmt.Fprintf(f, "%-36s %-14s %-22s %-25s %4d/%-4d %-25s %4d/%-4d\n",
			row.ID, row.State, row.Listener, row.ClientAddr,
			row.ClientBytes, row.ClientCap, row.ServerAddr, row.ServerBytes, row.ServerCap)
	}
	return f.Name(), nil
}
