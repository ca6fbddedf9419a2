package reload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return log
}

func TestNewWithoutWatchConfig(t *testing.T) {
	m, err := New(Options{}, testLogger())
	require.NoError(t, err)
	require.NotNil(t, m.Upgrader())
	m.Stop()
}

func TestNewWatchesConfigDirectory(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "sniproxy.conf")
	require.NoError(t, os.WriteFile(configPath, []byte("username nobody\n"), 0o644))

	m, err := New(Options{ConfigPath: configPath, WatchConfig: true}, testLogger())
	require.NoError(t, err)
	require.NotNil(t, m.watcher)
	m.Stop()
}

func TestNewFailsOnUnwatchableConfigDir(t *testing.T) {
	_, err := New(Options{ConfigPath: "/nonexistent-dir-for-test/sniproxy.conf", WatchConfig: true}, testLogger())
	require.Error(t, err)
}
