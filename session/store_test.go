package session

import (
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/gorrent/bencode"
)

// fakeDownload implements Download for store tests.
type fakeDownload struct {
	hash metainfo.Hash
	root *bencode.Value

	done, wanted, up, down int64
}

func newFakeDownload(fill byte) *fakeDownload {
	var hash metainfo.Hash
	for i := range hash {
		hash[i] = fill
	}
	root := bencode.NewMap()
	info := bencode.NewMap()
	info.Set("name", bencode.NewString("test.bin"))
	info.Set("piece length", bencode.NewInteger(16384))
	info.Set("pieces", bencode.NewBytes(make([]byte, 20)))
	info.Set("length", bencode.NewInteger(65536))
	root.Set("info", info)
	return &fakeDownload{hash: hash, root: root, done: 3, wanted: 4, up: 100, down: 200}
}

func (d *fakeDownload) Hash() metainfo.Hash    { return d.hash }
func (d *fakeDownload) Root() *bencode.Value   { return d.root }
func (d *fakeDownload) CompletedChunks() int64 { return d.done }
func (d *fakeDownload) WantedChunks() int64    { return d.wanted }
func (d *fakeDownload) TotalUploaded() int64   { return d.up }
func (d *fakeDownload) TotalDownloaded() int64 { return d.down }

func collectRecords(st Store) *[]Record {
	out := &[]Record{}
	st.SetLoadFunc(func(rec Record) { *out = append(*out, rec) })
	return out
}

func TestFactorySelectsBackend(t *testing.T) {
	assert.IsType(t, &base{}, New(""))
	assert.IsType(t, &directoryStore{}, New("/tmp/session"))
	assert.IsType(t, &directoryStore{}, New("relative/session/"))
	assert.IsType(t, &postgresStore{}, New("postgres://user@db/session"))
	assert.IsType(t, &postgresStore{}, New("postgresql://user@db/session"))
	assert.IsType(t, &badgerStore{}, New("badger:///tmp/session-db"))
}

func TestFactorySeedsLocation(t *testing.T) {
	st := New("postgres://user@db/session")
	assert.Equal(t, "postgres://user@db/session", st.Location())
}

func TestDisabledStoreIsSilent(t *testing.T) {
	st := New("")
	d := newFakeDownload(0xAA)

	require.NoError(t, st.Enable(true))
	assert.False(t, st.IsEnabled())

	assert.True(t, st.Save(d, 0))
	assert.True(t, st.SaveFull(d))
	assert.Equal(t, 2, st.SaveResume([]Download{d, d}))
	st.Remove(d)
	st.RemoveKey("AA")
	assert.NoError(t, st.LoadAll())
	assert.True(t, st.SaveField("k", bencode.NewInteger(1)))
	assert.True(t, st.RetrieveField("k").IsNone())
	st.RemoveField("k")
	st.Disable()
}

func TestOptionsRejectedWhileEnabled(t *testing.T) {
	st := New(t.TempDir())
	require.NoError(t, st.Enable(false))
	assert.ErrorIs(t, st.SetLocation("/elsewhere"), ErrBadState)
	assert.ErrorIs(t, st.SetLockLocation("/elsewhere/lock"), ErrBadState)
	st.Disable()
	assert.NoError(t, st.SetLocation(t.TempDir()))
}

func TestEnableTwiceFails(t *testing.T) {
	st := New(t.TempDir())
	require.NoError(t, st.Enable(false))
	assert.ErrorIs(t, st.Enable(false), ErrBadState)
	st.Disable()
}

func TestEmptyLocationStaysDisabled(t *testing.T) {
	st := newDirectoryStore()
	require.NoError(t, st.Enable(true))
	assert.False(t, st.IsEnabled())
}

func TestPrepareSaveAnnotatesLiveDocument(t *testing.T) {
	d := newFakeDownload(0xAB)
	resumeBase, rtorrentBase := prepareSave(d)

	assert.Equal(t, int64(3), rtorrentBase.Get("chunks_done").Integer())
	assert.Equal(t, int64(4), rtorrentBase.Get("chunks_wanted").Integer())
	assert.Equal(t, int64(100), rtorrentBase.Get("total_uploaded").Integer())
	assert.Equal(t, int64(200), rtorrentBase.Get("total_downloaded").Integer())
	assert.True(t, rtorrentBase.HasFlags(bencode.FlagSessionData))
	assert.True(t, resumeBase.HasFlags(bencode.FlagSessionData))

	// The annotation lands on the document owned by the download.
	assert.Same(t, d.root.Get("rtorrent"), rtorrentBase)
	assert.Same(t, d.root.Get("libtorrent_resume"), resumeBase)

	// Counters are sampled fresh on every save, not retained.
	d.done, d.up = 7, 150
	_, rtorrentBase = prepareSave(d)
	assert.Equal(t, int64(7), rtorrentBase.Get("chunks_done").Integer())
	assert.Equal(t, int64(150), rtorrentBase.Get("total_uploaded").Integer())
}

func TestHashKeyIsUppercaseHex(t *testing.T) {
	d := newFakeDownload(0xAA)
	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", hashKey(d))
}

func TestLockHeldErrorText(t *testing.T) {
	err := &LockHeldError{Location: "/srv/session", Holder: "host:+42"}
	assert.Contains(t, err.Error(), `Could not lock session directory: "/srv/session", held by "host:+42"`)
}
