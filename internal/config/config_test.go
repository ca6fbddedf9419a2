package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ankit-kulkarni/sniproxy/internal/listener"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
username nobody

listener 0.0.0.0 443 {
	protocol tls
	table https_table
	fallback 127.0.0.1 8443
}

listener unix:/var/run/sniproxy-admin.sock {
	protocol http
	table http_table
}

table https_table {
	example.com 10.0.0.1 443
	*.example.com 10.0.0.2
}

table http_table {
	example.com 10.0.0.1 80
}
`

func TestParseBuildsListenersAndTables(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "nobody", cfg.Username)
	require.Len(t, cfg.Listeners, 2)
	require.Len(t, cfg.Tables, 2)

	tcp := cfg.Listeners[0]
	require.Equal(t, listener.ProtocolTLS, tcp.Protocol)
	require.Equal(t, 443, tcp.Port)
	require.True(t, tcp.HasFallback)
	require.Equal(t, "127.0.0.1", tcp.FallbackAddr.Host())
	require.Equal(t, 8443, tcp.FallbackAddr.Port)
	require.Same(t, cfg.Tables["https_table"], tcp.Table)

	unixLn := cfg.Listeners[1]
	require.Equal(t, listener.ProtocolHTTP, unixLn.Protocol)
	require.True(t, unixLn.BindAddr.IsUnix())
	require.False(t, unixLn.HasFallback)

	table := cfg.Tables["https_table"]
	require.Len(t, table.Rows, 2)
	require.Equal(t, "example.com", table.Rows[0].Pattern)
	require.Equal(t, 443, table.Rows[0].Port)
	require.Equal(t, 0, table.Rows[1].Port)
}

func TestParseRejectsUndefinedTable(t *testing.T) {
	const cfg = `
listener 0.0.0.0 80 {
	protocol http
	table nope
}
`
	_, err := Parse(strings.NewReader(cfg))
	require.Error(t, err)
}

func TestParseRejectsUnknownDirective(t *testing.T) {
	_, err := Parse(strings.NewReader("bogus thing\n"))
	require.Error(t, err)
}

func TestParseDefaultTable(t *testing.T) {
	const cfg = `
listener 0.0.0.0 80 {
	protocol http
}

table {
	* 10.0.0.9 9999
}
`
	parsed, err := Parse(strings.NewReader(cfg))
	require.NoError(t, err)
	require.Contains(t, parsed.Tables, DefaultTableName)
	require.Same(t, parsed.Tables[DefaultTableName], parsed.Listeners[0].Table)
}

func TestParseToleratesTableDeclaredAfterListener(t *testing.T) {
	const cfg = `
listener 0.0.0.0 80 {
	protocol http
	table late
}

table late {
	* 10.0.0.1 80
}
`
	parsed, err := Parse(strings.NewReader(cfg))
	require.NoError(t, err)
	require.NotNil(t, parsed.Listeners[0].Table)
}

func TestDumpRoundTrips(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, cfg))

	reparsed, err := Parse(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.Equal(t, cfg.Username, reparsed.Username)
	require.Len(t, reparsed.Listeners, len(cfg.Listeners))
	require.Len(t, reparsed.Tables, len(cfg.Tables))
	require.Equal(t, cfg.Tables["https_table"].Rows, reparsed.Tables["https_table"].Rows)
}
