package daemon

import (
	"crypto/sha1"
	"errors"
	"os"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/jkaberg/gorrent/bencode"
	"github.com/jkaberg/gorrent/session"
)

var ErrNoInfo = errors.New("daemon: record has no info dictionary")

// Download is one managed transfer: the live bencode document plus the
// counters the session store samples on every save. The daemon's event loop
// owns it; accessors are not synchronized.
type Download struct {
	hash metainfo.Hash
	root *bencode.Value

	completedChunks int64
	wantedChunks    int64
	totalUploaded   int64
	totalDownloaded int64
}

var _ session.Download = &Download{}

func NewDownload(hash metainfo.Hash, root *bencode.Value) *Download {
	return &Download{hash: hash, root: root}
}

// FromRecord rebuilds a download from a hydrated session record: the
// infohash is recomputed from the info dictionary, and the store-private
// blobs are reattached to the main document under their root keys.
func FromRecord(rec session.Record) (*Download, error) {
	info := rec.Main.Get("info")
	if info == nil || info.Type() != bencode.TypeMap {
		return nil, ErrNoInfo
	}
	infoBytes, err := bencode.Marshal(info, 0)
	if err != nil {
		return nil, err
	}
	d := &Download{
		hash: metainfo.Hash(sha1.Sum(infoBytes)),
		root: rec.Main,
	}
	rec.Rtorrent.SetFlags(bencode.FlagSessionData)
	rec.Resume.SetFlags(bencode.FlagSessionData)
	d.root.Set("rtorrent", rec.Rtorrent)
	d.root.Set("libtorrent_resume", rec.Resume)

	d.completedChunks = rec.Rtorrent.Get("chunks_done").Integer()
	d.wantedChunks = rec.Rtorrent.Get("chunks_wanted").Integer()
	d.totalUploaded = rec.Rtorrent.Get("total_uploaded").Integer()
	d.totalDownloaded = rec.Rtorrent.Get("total_downloaded").Integer()
	return d, nil
}

// FromTorrentFile loads a .torrent file from disk. The infohash comes from
// the metainfo parser so it matches what trackers expect.
func FromTorrentFile(path string) (*Download, error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	root, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if root.Type() != bencode.TypeMap || !root.Has("info") {
		return nil, ErrNoInfo
	}
	return &Download{hash: mi.HashInfoBytes(), root: root}, nil
}

func (d *Download) Hash() metainfo.Hash { return d.hash }

func (d *Download) Root() *bencode.Value { return d.root }

func (d *Download) CompletedChunks() int64 { return d.completedChunks }

func (d *Download) WantedChunks() int64 { return d.wantedChunks }

func (d *Download) TotalUploaded() int64 { return d.totalUploaded }

func (d *Download) TotalDownloaded() int64 { return d.totalDownloaded }

func (d *Download) SetChunks(done, wanted int64) {
	d.completedChunks = done
	d.wantedChunks = wanted
}

func (d *Download) AddTransferred(up, down int64) {
	d.totalUploaded += up
	d.totalDownloaded += down
}

// Name returns the display name from the info dictionary, falling back to
// the hex hash.
func (d *Download) Name() string {
	if info := d.root.Get("info"); info != nil {
		if name := info.Get("name"); name != nil && name.Type() == bencode.TypeBytes {
			return name.Text()
		}
	}
	return d.hash.HexString()
}
