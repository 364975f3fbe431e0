package session

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v3"

	"github.com/jkaberg/gorrent/bencode"
	"github.com/jkaberg/gorrent/lockfile"
	dlog "github.com/jkaberg/gorrent/log"
)

const (
	badgerScheme        = "badger://"
	badgerSessionPrefix = "session/"
	badgerFieldPrefix   = "field/"
)

// badgerStore keeps the session in an embedded badger database. The record
// triplet lives under session/<HASH>/{torrent,rtorrent,resume}; fields under
// field/<key>. Saves are a single Update transaction followed by a value log
// sync, so the triplet advances atomically.
type badgerStore struct {
	base
	db     *badger.DB
	locked bool
}

func newBadgerStore() *badgerStore {
	return &badgerStore{base: newBase("session-badger")}
}

func (s *badgerStore) dataPath() string {
	return strings.TrimPrefix(s.uri, badgerScheme)
}

func (s *badgerStore) Enable(lock bool) error {
	if s.enabled {
		return ErrBadState
	}
	if s.uri == "" {
		return nil
	}
	opts := badger.DefaultOptions(s.dataPath()).
		WithLogger(&dlog.Badger{L: s.log}).
		WithValueLogFileSize(1<<26 - 1)
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	if err := db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		db.Close()
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	s.db = db
	if lock {
		if err := s.acquireLockRow(); err != nil {
			s.db.Close()
			s.db = nil
			return err
		}
	}
	s.enabled = true
	return nil
}

func (s *badgerStore) acquireLockRow() error {
	data, err := s.fieldValue(lockFieldKey)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	holder := ""
	if len(data) > 0 {
		if v, err := bencode.Unmarshal(data); err == nil {
			holder = v.Text()
		} else {
			holder = string(data)
		}
	}
	if holder != "" {
		host, pid, ok := lockfile.ParseIdentity(holder)
		if !ok || !lockfile.HolderIsStale(host, pid) {
			return &LockHeldError{Location: s.uri, Holder: holder}
		}
		s.log.Debug().Str("holder", holder).Msg("displacing stale session lock entry")
	}
	identity, err := bencode.Marshal(bencode.NewString(lockfile.Identity()), 0)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerFieldPrefix+lockFieldKey), identity)
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	s.locked = true
	return nil
}

func (s *badgerStore) Disable() {
	if !s.enabled {
		return
	}
	if s.locked {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(badgerFieldPrefix + lockFieldKey))
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("could not release session lock entry")
		}
		s.locked = false
	}
	if err := s.db.Close(); err != nil {
		s.log.Warn().Err(err).Msg("problem closing session database")
	}
	s.db = nil
	s.enabled = false
}

func (s *badgerStore) recordKey(hash, blob string) []byte {
	return []byte(badgerSessionPrefix + hash + "/" + blob)
}

func (s *badgerStore) Save(d Download, flags int) bool {
	if !s.enabled {
		return true
	}
	resumeBase, rtorrentBase := prepareSave(d)
	hash := hashKey(d)
	rtorrentBytes, err := bencode.Marshal(rtorrentBase, 0)
	if err != nil {
		s.log.Warn().Err(err).Str("hash", hash).Msg("could not encode rtorrent blob")
		return false
	}
	resumeBytes, err := bencode.Marshal(resumeBase, 0)
	if err != nil {
		s.log.Warn().Err(err).Str("hash", hash).Msg("could not encode resume blob")
		return false
	}
	var mainBytes []byte
	if flags&FlagSkipStatic == 0 {
		if mainBytes, err = bencode.Marshal(d.Root(), bencode.FlagSessionData); err != nil {
			s.log.Warn().Err(err).Str("hash", hash).Msg("could not encode main document")
			return false
		}
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(s.recordKey(hash, "resume"), resumeBytes); err != nil {
			return err
		}
		if err := txn.Set(s.recordKey(hash, "rtorrent"), rtorrentBytes); err != nil {
			return err
		}
		if mainBytes != nil {
			return txn.Set(s.recordKey(hash, "torrent"), mainBytes)
		}
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("hash", hash).Msg("session save failed")
		return false
	}
	if err := s.db.Sync(); err != nil {
		s.log.Warn().Err(err).Str("hash", hash).Msg("session sync failed")
		return false
	}
	return true
}

func (s *badgerStore) SaveFull(d Download) bool { return s.Save(d, 0) }

func (s *badgerStore) SaveResume(ds []Download) int {
	saved := 0
	for _, d := range ds {
		if s.Save(d, FlagSkipStatic) {
			saved++
		}
	}
	return saved
}

func (s *badgerStore) Remove(d Download) { s.RemoveKey(hashKey(d)) }

func (s *badgerStore) RemoveKey(key string) {
	if !s.enabled {
		return
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, blob := range []string{"resume", "rtorrent", "torrent"} {
			if err := txn.Delete(s.recordKey(key, blob)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("hash", key).Msg("could not remove session record")
	}
}

func (s *badgerStore) LoadAll() error {
	if !s.enabled {
		return nil
	}
	type triplet struct {
		main, rtorrent, resume []byte
	}
	records := make(map[string]*triplet)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerSessionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, badgerSessionPrefix)
			idx := strings.IndexByte(rest, '/')
			if idx < 0 {
				continue
			}
			hash, blob := rest[:idx], rest[idx+1:]
			rec := records[hash]
			if rec == nil {
				rec = &triplet{}
				records[hash] = rec
			}
			var data []byte
			if err := it.Item().Value(func(v []byte) error {
				data = append(data, v...)
				return nil
			}); err != nil {
				return err
			}
			switch blob {
			case "torrent":
				rec.main = data
			case "rtorrent":
				rec.rtorrent = data
			case "resume":
				rec.resume = data
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	hashes := make([]string, 0, len(records))
	for hash := range records {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	for _, hash := range hashes {
		rec := records[hash]
		s.emit(Record{
			Main:     decodeLenient(rec.main, s.log, "main", hash),
			Rtorrent: decodeLenient(rec.rtorrent, s.log, "rtorrent", hash),
			Resume:   decodeLenient(rec.resume, s.log, "libtorrent_resume", hash),
		})
	}
	return nil
}

func (s *badgerStore) SaveField(key string, v *bencode.Value) bool {
	if !s.enabled {
		return true
	}
	data, err := bencode.Marshal(v, 0)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("could not encode field")
		return false
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerFieldPrefix+key), data)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("field save failed")
		return false
	}
	if err := s.db.Sync(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("field sync failed")
		return false
	}
	return true
}

func (s *badgerStore) RetrieveField(key string) *bencode.Value {
	if !s.enabled {
		return bencode.NewNone()
	}
	data, err := s.fieldValue(key)
	if err != nil || len(data) == 0 {
		return bencode.NewNone()
	}
	v, err := bencode.Unmarshal(data)
	if err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("field entry corrupted, discarding")
		return bencode.NewNone()
	}
	return v
}

func (s *badgerStore) RemoveField(key string) {
	if !s.enabled {
		return
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(badgerFieldPrefix + key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("could not remove field entry")
	}
}

func (s *badgerStore) fieldValue(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerFieldPrefix + key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			out = bytes.Clone(v)
			return nil
		})
	})
	return out, err
}
