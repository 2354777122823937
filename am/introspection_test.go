package am

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenKeys(t *testing.T) {
	settings := map[string]interface{}{
		"database": map[string]interface{}{"path": "a.db"},
		"sync": map[string]interface{}{
			"name":  "n",
			"peers": map[string]interface{}{"b": "ws://b"},
		},
		"empty": map[string]interface{}{},
	}

	assert.Equal(t, []string{"database.path", "empty", "sync.name", "sync.peers.b"}, flattenKeys(settings, ""))
}

func TestFlattenSettingsWithSources(t *testing.T) {
	settings := map[string]interface{}{
		"database": map[string]interface{}{"path": "a.db"},
		"sync":     map[string]interface{}{"name": "n"},
	}
	sources := map[string]SourceInfo{
		"sync.name": {Source: SourceUser, Path: "/home/x/.cellsync/am.toml"},
	}
	t.Setenv("CELLSYNC_DATABASE_PATH", "env.db")

	got := flattenSettingsWithSources(settings, sources)
	require.Len(t, got, 2)

	assert.Equal(t, "database.path", got[0].Key)
	assert.Equal(t, SourceEnvironment, got[0].Source)
	assert.Equal(t, "CELLSYNC_DATABASE_PATH", got[0].SourcePath)

	assert.Equal(t, "sync.name", got[1].Key)
	assert.Equal(t, "n", got[1].Value)
	assert.Equal(t, SourceUser, got[1].Source)
}

func TestIntrospect(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".cellsync", "am.toml"), "[sync]\nname = \"u\"\n")

	settings, err := Introspect()
	require.NoError(t, err)

	bySource := map[string]ConfigSource{}
	for _, s := range settings {
		bySource[s.Key] = s.Source
	}
	assert.Equal(t, SourceUser, bySource["sync.name"])
	assert.Equal(t, SourceDefault, bySource["sync.leaf_threshold"])
}
