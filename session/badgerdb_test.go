package session

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/gorrent/bencode"
	"github.com/jkaberg/gorrent/lockfile"
)

func badgerURI(t *testing.T) string {
	t.Helper()
	return "badger://" + filepath.Join(t.TempDir(), "session-db")
}

func TestBadgerRoundTrip(t *testing.T) {
	uri := badgerURI(t)
	d1 := newFakeDownload(0xAA)
	d2 := newFakeDownload(0xBB)

	st := New(uri)
	require.NoError(t, st.Enable(true))
	require.True(t, st.Save(d1, 0))
	require.True(t, st.Save(d2, 0))
	st.Disable()

	st2 := New(uri)
	records := collectRecords(st2)
	require.NoError(t, st2.Enable(true))
	require.NoError(t, st2.LoadAll())
	st2.Disable()

	require.Len(t, *records, 2)
	for _, rec := range *records {
		assert.True(t, rec.Main.Has("info"))
		assert.False(t, rec.Main.Has("rtorrent"))
		assert.Equal(t, int64(3), rec.Rtorrent.Get("chunks_done").Integer())
		assert.Equal(t, bencode.TypeMap, rec.Resume.Type())
	}
}

func TestBadgerSkipStaticPreservesMain(t *testing.T) {
	uri := badgerURI(t)
	d := newFakeDownload(0xAA)

	st := New(uri)
	require.NoError(t, st.Enable(false))
	require.True(t, st.Save(d, 0))

	d.root.Get("info").Set("name", bencode.NewString("renamed.bin"))
	d.done = 42
	require.True(t, st.Save(d, FlagSkipStatic))
	st.Disable()

	st2 := New(uri)
	records := collectRecords(st2)
	require.NoError(t, st2.Enable(false))
	require.NoError(t, st2.LoadAll())
	st2.Disable()

	require.Len(t, *records, 1)
	rec := (*records)[0]
	assert.Equal(t, "test.bin", rec.Main.Get("info").Get("name").Text())
	assert.Equal(t, int64(42), rec.Rtorrent.Get("chunks_done").Integer())
}

func TestBadgerRemove(t *testing.T) {
	uri := badgerURI(t)
	d := newFakeDownload(0xAA)

	st := New(uri)
	require.NoError(t, st.Enable(false))
	require.True(t, st.Save(d, 0))
	st.Remove(d)
	st.Remove(d) // silent on missing

	records := collectRecords(st)
	require.NoError(t, st.LoadAll())
	assert.Empty(t, *records)
	st.Disable()
}

func TestBadgerCorruptBlobHydratesEmpty(t *testing.T) {
	uri := badgerURI(t)
	d := newFakeDownload(0xAA)

	st := New(uri).(*badgerStore)
	require.NoError(t, st.Enable(false))
	require.True(t, st.Save(d, 0))

	// Clobber the rtorrent blob under the store's feet.
	require.NoError(t, st.db.Update(func(txn *badger.Txn) error {
		return txn.Set(st.recordKey(hashKey(d), "rtorrent"), []byte("not bencode"))
	}))

	records := collectRecords(st)
	require.NoError(t, st.LoadAll())
	st.Disable()

	require.Len(t, *records, 1)
	rec := (*records)[0]
	assert.Equal(t, 0, rec.Rtorrent.Len())
	assert.True(t, rec.Main.Has("info"))
}

func TestBadgerFieldRoundTrip(t *testing.T) {
	uri := badgerURI(t)
	st := New(uri)
	require.NoError(t, st.Enable(false))
	defer st.Disable()

	v := bencode.NewMap().Set("window", bencode.NewInteger(3))
	require.True(t, st.SaveField("ui.state", v))
	assert.True(t, st.RetrieveField("ui.state").Equal(v))
	assert.True(t, st.RetrieveField("absent").IsNone())

	st.RemoveField("ui.state")
	assert.True(t, st.RetrieveField("ui.state").IsNone())
	st.RemoveField("ui.state")
}

func TestBadgerSaveResumeCount(t *testing.T) {
	uri := badgerURI(t)
	st := New(uri)
	require.NoError(t, st.Enable(false))
	defer st.Disable()

	ds := []Download{newFakeDownload(0xAA), newFakeDownload(0xBB), newFakeDownload(0xCC)}
	assert.Equal(t, 3, st.SaveResume(ds))
}

func TestBadgerLockRow(t *testing.T) {
	uri := badgerURI(t)

	// A foreign live holder blocks enable.
	seed := New(uri)
	require.NoError(t, seed.Enable(false))
	require.True(t, seed.SaveField(lockFieldKey, bencode.NewString("some-other-host:+1")))
	seed.Disable()

	st := New(uri)
	err := st.Enable(true)
	var held *LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "some-other-host:+1", held.Holder)
	assert.False(t, st.IsEnabled())
}

func TestBadgerLockRowStaleHolderDisplaced(t *testing.T) {
	uri := badgerURI(t)
	host, err := os.Hostname()
	require.NoError(t, err)

	seed := New(uri)
	require.NoError(t, seed.Enable(false))
	require.True(t, seed.SaveField(lockFieldKey, bencode.NewString(fmt.Sprintf("%s:+%d", host, 1<<30))))
	seed.Disable()

	st := New(uri)
	require.NoError(t, st.Enable(true))
	assert.True(t, st.RetrieveField(lockFieldKey).Text() == lockfile.Identity())
	st.Disable()

	// Disable removed the lock row.
	check := New(uri)
	require.NoError(t, check.Enable(false))
	assert.True(t, check.RetrieveField(lockFieldKey).IsNone())
	check.Disable()
}
