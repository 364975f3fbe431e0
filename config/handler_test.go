package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingFileYieldsDefaults(t *testing.T) {
	h := NewHandler(filepath.Join(t.TempDir(), "config.yaml"))
	conf, err := h.Get()
	require.NoError(t, err)

	assert.Equal(t, "./gorrent-data/session", conf.Session.Location)
	assert.Equal(t, 300, conf.Session.SaveInterval)
	assert.Equal(t, 5, conf.Watch.Interval)
	assert.Equal(t, 50, conf.Log.MaxSize)
}

func TestLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
session:
  location: postgres://gorrent@db/session
  save_interval: 60
watch:
  folder: /srv/torrents
log:
  debug: true
`), 0o644))

	h := NewHandler(path)
	conf, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, "postgres://gorrent@db/session", conf.Session.Location)
	assert.Equal(t, 60, conf.Session.SaveInterval)
	assert.Equal(t, "/srv/torrents", conf.Watch.Folder)
	assert.True(t, conf.Log.Debug)
	// Defaults still fill the gaps.
	assert.Equal(t, 5, conf.Watch.Interval)

	require.NoError(t, os.WriteFile(path, []byte("session:\n  save_interval: 120\n"), 0o644))
	conf, err = h.Reload()
	require.NoError(t, err)
	assert.Equal(t, 120, conf.Session.SaveInterval)

	// Get returns the cached reloaded config.
	again, err := h.Get()
	require.NoError(t, err)
	assert.Same(t, conf, again)
}

func TestBadYamlFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session: [unbalanced"), 0o644))
	_, err := NewHandler(path).Get()
	assert.Error(t, err)
}
