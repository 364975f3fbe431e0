// Package session implements the persistence core of the daemon: durable
// storage for every download's identity and resumable state, plus arbitrary
// keyed operator state. Three backends share one contract: a directory of
// bencoded files, a transactional SQL database, and a badger key-value store.
package session

import (
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/gorrent/bencode"
)

// FlagSkipStatic tells Save not to rewrite the immutable main document.
const FlagSkipStatic = 0x1

// lockFieldKey is the field row used for host exclusion by backends that
// have no filesystem to put a lock file on.
const lockFieldKey = "rtorrent.lock"

// inputHistoryKey is the distinguished field stored line-oriented by the
// directory backend.
const inputHistoryKey = "rtorrent.input_history"

// Download is the handle the daemon passes in for save and remove. The store
// never owns downloads; it reads their root document and counters.
type Download interface {
	// Hash is the 20-byte infohash identifying the download.
	Hash() metainfo.Hash

	// Root is the download's live bencode document. Its "rtorrent" and
	// "libtorrent_resume" children are annotated in place before each save.
	Root() *bencode.Value

	CompletedChunks() int64
	WantedChunks() int64
	TotalUploaded() int64
	TotalDownloaded() int64
}

// Record is one hydrated download: the three blobs bound by hash identity.
type Record struct {
	Main     *bencode.Value
	Rtorrent *bencode.Value
	Resume   *bencode.Value
}

// LoadFunc receives one Record per stored download during LoadAll.
type LoadFunc func(Record)

// Store is the session persistence contract. Writes collapse failures to a
// bool so timed resume saves keep making progress; reads fall back to empty
// values so a corrupt blob never crashes the daemon mid-run.
type Store interface {
	IsEnabled() bool

	Location() string
	SetLocation(uri string) error
	LockLocation() string
	SetLockLocation(path string) error
	SetLoadFunc(fn LoadFunc)

	Enable(lock bool) error
	Disable()

	Save(d Download, flags int) bool
	SaveFull(d Download) bool
	SaveResume(ds []Download) int
	Remove(d Download)
	RemoveKey(key string)
	LoadAll() error

	SaveField(key string, v *bencode.Value) bool
	RetrieveField(key string) *bencode.Value
	RemoveField(key string)
}

// base is the default session store. It doubles as the disabled variant: it
// can never be enabled, accepts every operation, and touches no storage.
// Backends embed it for the shared lifecycle state and option handling.
type base struct {
	enabled      bool
	uri          string
	lockLocation string
	loadFunc     LoadFunc
	log          zerolog.Logger
}

func newBase(component string) base {
	return base{log: log.Logger.With().Str("component", component).Logger()}
}

func (b *base) IsEnabled() bool { return b.enabled }

func (b *base) Location() string { return b.uri }

func (b *base) SetLocation(uri string) error {
	if b.enabled {
		return ErrBadState
	}
	b.uri = uri
	return nil
}

func (b *base) LockLocation() string { return b.lockLocation }

func (b *base) SetLockLocation(path string) error {
	if b.enabled {
		return ErrBadState
	}
	b.lockLocation = path
	return nil
}

func (b *base) SetLoadFunc(fn LoadFunc) { b.loadFunc = fn }

func (b *base) emit(rec Record) {
	if b.loadFunc != nil {
		b.loadFunc(rec)
	}
}

func (b *base) Enable(lock bool) error { return nil }

func (b *base) Disable() {}

func (b *base) Save(d Download, flags int) bool { return true }

func (b *base) SaveFull(d Download) bool { return true }

func (b *base) SaveResume(ds []Download) int { return len(ds) }

func (b *base) Remove(d Download) {}

func (b *base) RemoveKey(key string) {}

func (b *base) LoadAll() error { return nil }

func (b *base) SaveField(key string, v *bencode.Value) bool { return true }

func (b *base) RetrieveField(key string) *bencode.Value { return bencode.NewNone() }

func (b *base) RemoveField(key string) {}

// hashKey renders a download's identity the way records are keyed: 40
// uppercase hex characters.
func hashKey(d Download) string {
	return strings.ToUpper(d.Hash().HexString())
}

// prepareSave annotates the download's live document for persistence: the
// four counters are sampled now and written into the rtorrent node, and the
// session-data flag is re-asserted on both store-private nodes so that
// serializing the main document with the session-data skip mask strips them.
// The mutation is deliberately visible to the caller.
func prepareSave(d Download) (resumeBase, rtorrentBase *bencode.Value) {
	root := d.Root()

	rtorrentBase = root.Get("rtorrent")
	if rtorrentBase == nil || rtorrentBase.Type() != bencode.TypeMap {
		rtorrentBase = bencode.NewMap()
		root.Set("rtorrent", rtorrentBase)
	}
	resumeBase = root.Get("libtorrent_resume")
	if resumeBase == nil || resumeBase.Type() != bencode.TypeMap {
		resumeBase = bencode.NewMap()
		root.Set("libtorrent_resume", resumeBase)
	}

	rtorrentBase.Set("chunks_done", bencode.NewInteger(d.CompletedChunks()))
	rtorrentBase.Set("chunks_wanted", bencode.NewInteger(d.WantedChunks()))
	rtorrentBase.Set("total_uploaded", bencode.NewInteger(d.TotalUploaded()))
	rtorrentBase.Set("total_downloaded", bencode.NewInteger(d.TotalDownloaded()))

	resumeBase.SetFlags(bencode.FlagSessionData)
	rtorrentBase.SetFlags(bencode.FlagSessionData)
	return resumeBase, rtorrentBase
}

// decodeLenient parses a stored blob, falling back to an empty map when the
// bytes are missing or corrupt. Hydration never fails on a bad sidecar.
func decodeLenient(data []byte, logger zerolog.Logger, what, key string) *bencode.Value {
	if len(data) == 0 {
		return bencode.NewMap()
	}
	v, err := bencode.Unmarshal(data)
	if err != nil {
		logger.Debug().Err(err).Str("record", key).Str("blob", what).
			Msg("session blob corrupted, hydrating as empty")
		return bencode.NewMap()
	}
	return v
}
