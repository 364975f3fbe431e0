package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdder struct {
	mu    sync.Mutex
	paths map[string]int
}

func newFakeAdder() *fakeAdder {
	return &fakeAdder{paths: make(map[string]int)}
}

func (a *fakeAdder) AddTorrentFile(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths[path]++
	return nil
}

func (a *fakeAdder) seen(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paths[path] > 0
}

func TestWatcherInitialSync(t *testing.T) {
	folder := t.TempDir()
	existing := filepath.Join(folder, "existing.torrent")
	require.NoError(t, os.WriteFile(existing, []byte("d4:infod4:name1:xee"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "notes.txt"), []byte("x"), 0o644))

	adder := newFakeAdder()
	w, err := New(adder, folder, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Close()

	assert.True(t, adder.seen(existing))
	assert.False(t, adder.seen(filepath.Join(folder, "notes.txt")))
}

func TestWatcherPicksUpDroppedFile(t *testing.T) {
	folder := t.TempDir()
	adder := newFakeAdder()
	w, err := New(adder, folder, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Close()

	dropped := filepath.Join(folder, "dropped.torrent")
	require.NoError(t, os.WriteFile(dropped, []byte("d4:infod4:name1:xee"), 0o644))

	assert.Eventually(t, func() bool { return adder.seen(dropped) },
		3*time.Second, 25*time.Millisecond)
}

func TestWatcherCreatesFolder(t *testing.T) {
	folder := filepath.Join(t.TempDir(), "drop", "torrents")
	w, err := New(newFakeAdder(), folder, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Close()

	fi, err := os.Stat(folder)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}
