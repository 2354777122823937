package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetPeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cellsync", "am.toml")

	require.NoError(t, SetPeer(path, "alpha", "ws://alpha:877"))
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alpha": "ws://alpha:877"}, cfg.Sync.Peers)

	// other settings are preserved
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nname = \"keep\"\n\n[sync.peers]\nalpha = \"ws://alpha:877\"\n"), 0644))
	require.NoError(t, SetPeer(path, "beta", "wss://beta.example"))

	cfg, err = LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", cfg.Sync.Name)
	assert.Len(t, cfg.Sync.Peers, 2)

	assert.FileExists(t, path+".back1")
}

func TestSetPeer_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")

	assert.Error(t, SetPeer(path, "", "ws://x"))
	assert.Error(t, SetPeer(path, "x", "tcp://x"))
	assert.NoFileExists(t, path)
}

func TestRemovePeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, SetPeer(path, "alpha", "ws://alpha:877"))
	require.NoError(t, SetPeer(path, "beta", "ws://beta:877"))

	require.NoError(t, RemovePeer(path, "alpha"))
	require.NoError(t, RemovePeer(path, "nobody"))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"beta": "ws://beta:877"}, cfg.Sync.Peers)
}

func TestCreateBackup_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")

	for _, body := range []string{"one", "two", "three", "four", "five"} {
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		require.NoError(t, createBackup(path))
	}

	for suffix, want := range map[string]string{".back1": "five", ".back2": "four", ".back3": "three"} {
		got, err := os.ReadFile(path + suffix)
		require.NoError(t, err)
		assert.Equal(t, want, string(got), suffix)
	}
}
