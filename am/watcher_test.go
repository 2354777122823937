package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, path string) *ConfigWatcher {
	t.Helper()
	w, err := NewConfigWatcher(path)
	require.NoError(t, err)
	w.debouncePeriod = 10 * time.Millisecond
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestConfigWatcher_ReloadsPeers(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, ".cellsync", "am.toml")
	writeFile(t, path, "[sync.peers]\nalpha = \"ws://alpha:877\"\n")

	w := newTestWatcher(t, path)
	got := make(chan map[string]string, 4)
	w.OnReload(func(c *Config) error {
		got <- c.Sync.Peers
		return nil
	})
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("[sync.peers]\nbeta = \"ws://beta:877\"\n"), 0644))

	select {
	case peers := <-got:
		assert.Equal(t, map[string]string{"beta": "ws://beta:877"}, peers)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}
}

func TestConfigWatcher_IgnoresOwnWrite(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, ".cellsync", "am.toml")
	writeFile(t, path, "")

	w := newTestWatcher(t, path)
	SetGlobalWatcher(w)
	t.Cleanup(func() { SetGlobalWatcher(nil) })

	got := make(chan struct{}, 4)
	w.OnReload(func(*Config) error {
		got <- struct{}{}
		return nil
	})
	w.Start()

	require.NoError(t, SetPeer(path, "alpha", "ws://alpha:877"))

	select {
	case <-got:
		t.Fatal("reloaded on own write")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestConfigWatcher_InvalidFileKeepsCallbacksQuiet(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, ".cellsync", "am.toml")
	writeFile(t, path, "")

	w := newTestWatcher(t, path)
	got := make(chan struct{}, 4)
	w.OnReload(func(*Config) error {
		got <- struct{}{}
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte("[sync.peers]\nbad = \"tcp://x\"\n"), 0644))
	assert.Error(t, w.reload())
	assert.Empty(t, got)
}
