package admin

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/ankit-kulkarni/sniproxy/internal/conn"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return log
}

func TestHealthz(t *testing.T) {
	s := New(conn.NewRegistry(), testLogger())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}

func TestConnectionsSnapshotIsEmptyJSONArrayForNewRegistry(t *testing.T) {
	s := New(conn.NewRegistry(), testLogger())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/connections")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var rows []conn.DumpRow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Empty(t, rows)
}

func TestConnectionsStreamUpgradesAndPushesSnapshot(t *testing.T) {
	s := New(conn.NewRegistry(), testLogger())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/connections/stream"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	var rows []conn.DumpRow
	require.NoError(t, ws.ReadJSON(&rows))
	require.Empty(t, rows)
}

func TestUnknownMethodOnConnectionsIsRejected(t *testing.T) {
	s := New(conn.NewRegistry(), testLogger())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/connections", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEqual(t, 200, resp.StatusCode)
}
