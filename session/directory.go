package session

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jkaberg/gorrent/bencode"
	"github.com/jkaberg/gorrent/lockfile"
)

// directoryStore keeps one directory of bencoded files: a
// <HASH>.torrent/.rtorrent/.libtorrent_resume triplet per download plus one
// sidecar file per field. All writes are staged to <target>.new and renamed
// into place so readers never see a torn file.
type directoryStore struct {
	base
	lock lockfile.Lockfile
}

func newDirectoryStore() *directoryStore {
	return &directoryStore{base: newBase("session-directory")}
}

func (s *directoryStore) SetLocation(uri string) error {
	if uri != "" {
		uri = filepath.Clean(uri)
	}
	return s.base.SetLocation(uri)
}

func (s *directoryStore) Enable(lock bool) error {
	if s.enabled {
		return ErrBadState
	}
	if s.uri == "" {
		return nil
	}
	if lock {
		if s.lockLocation != "" {
			s.lock.SetPath(s.lockLocation)
		} else {
			s.lock.SetPath(filepath.Join(s.uri, "rtorrent.lock"))
		}
	} else {
		s.lock.SetPath("")
	}
	if err := s.lock.TryLock(); err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			return &LockHeldError{Location: s.uri, Holder: s.lock.LockedByAsString()}
		}
		return fmt.Errorf("%w: %s", ErrLockPath, err)
	}
	s.enabled = true
	return nil
}

func (s *directoryStore) Disable() {
	if !s.enabled {
		return
	}
	s.lock.Unlock()
	s.enabled = false
}

func (s *directoryStore) Save(d Download, flags int) bool {
	if !s.enabled {
		return true
	}
	resumeBase, rtorrentBase := prepareSave(d)
	baseName := s.recordFilename(hashKey(d))

	// The resume and rtorrent blobs advance together: stage both, then
	// rename both. The main document is immutable and best-effort.
	if !s.writeBencodeFile(baseName+".libtorrent_resume.new", resumeBase, 0) ||
		!s.writeBencodeFile(baseName+".rtorrent.new", rtorrentBase, 0) {
		return false
	}
	os.Rename(baseName+".libtorrent_resume.new", baseName+".libtorrent_resume")
	os.Rename(baseName+".rtorrent.new", baseName+".rtorrent")

	if flags&FlagSkipStatic == 0 &&
		s.writeBencodeFile(baseName+".new", d.Root(), bencode.FlagSessionData) {
		os.Rename(baseName+".new", baseName)
	}
	return true
}

func (s *directoryStore) SaveFull(d Download) bool { return s.Save(d, 0) }

func (s *directoryStore) SaveResume(ds []Download) int {
	saved := 0
	for _, d := range ds {
		if s.Save(d, FlagSkipStatic) {
			saved++
		}
	}
	return saved
}

func (s *directoryStore) Remove(d Download) { s.RemoveKey(hashKey(d)) }

func (s *directoryStore) RemoveKey(key string) {
	if !s.enabled {
		return
	}
	baseName := s.recordFilename(key)
	os.Remove(baseName + ".libtorrent_resume")
	os.Remove(baseName + ".rtorrent")
	os.Remove(baseName)
}

func (s *directoryStore) LoadAll() error {
	if !s.enabled {
		return nil
	}
	entries, err := os.ReadDir(s.uri)
	if err != nil {
		return fmt.Errorf("%w: could not open session directory %q: %s", ErrStorageUnavailable, s.uri, err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isSessionFile(entry.Name()) {
			continue
		}
		name := filepath.Join(s.uri, entry.Name())
		s.emit(Record{
			Main:     s.loadSessionFile(name, "main"),
			Rtorrent: s.loadSessionFile(name+".rtorrent", "rtorrent"),
			Resume:   s.loadSessionFile(name+".libtorrent_resume", "libtorrent_resume"),
		})
	}
	return nil
}

func (s *directoryStore) SaveField(key string, v *bencode.Value) bool {
	if !s.enabled {
		return true
	}
	if key == inputHistoryKey {
		return s.saveInputHistory(v)
	}
	target := filepath.Join(s.uri, key)
	if !s.writeBencodeFile(target+".new", v, 0) {
		return false
	}
	return os.Rename(target+".new", target) == nil
}

func (s *directoryStore) RetrieveField(key string) *bencode.Value {
	if !s.enabled {
		if key == inputHistoryKey {
			return bencode.NewList()
		}
		return bencode.NewNone()
	}
	if key == inputHistoryKey {
		return s.loadInputHistory()
	}
	target := filepath.Join(s.uri, key)
	data, err := os.ReadFile(target)
	if err != nil {
		s.log.Debug().Err(err).Str("path", target).Msg("could not open field file")
		return bencode.NewNone()
	}
	v, err := bencode.Unmarshal(data)
	if err != nil {
		s.log.Debug().Err(err).Str("path", target).Msg("field file corrupted, discarding")
		return bencode.NewNone()
	}
	return v
}

func (s *directoryStore) RemoveField(key string) {
	if !s.enabled {
		return
	}
	os.Remove(filepath.Join(s.uri, key))
}

func (s *directoryStore) recordFilename(key string) string {
	return filepath.Join(s.uri, key+".torrent")
}

// isSessionFile reports whether a directory entry names a torrent record:
// exactly 40 uppercase hex characters followed by ".torrent".
func isSessionFile(name string) bool {
	if len(name) != 48 || name[40:] != ".torrent" {
		return false
	}
	for i := 0; i < 40; i++ {
		c := name[i]
		if !(c >= '0' && c <= '9') && !(c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// writeBencodeFile serializes v to filename, flushes it, and re-reads the
// result to make sure a valid bencode document landed on disk.
func (s *directoryStore) writeBencodeFile(filename string, v *bencode.Value, skipMask uint32) bool {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		s.log.Warn().Err(err).Str("path", filename).Msg("could not open session file for writing")
		return false
	}
	err = bencode.Encode(f, v, skipMask)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.log.Warn().Err(err).Str("path", filename).Msg("session file write failed")
		os.Remove(filename)
		return false
	}

	data, err := os.ReadFile(filename)
	if err == nil {
		_, err = bencode.Unmarshal(data)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("path", filename).Msg("session file failed verification")
		os.Remove(filename)
		return false
	}
	return true
}

func (s *directoryStore) loadSessionFile(filename, what string) *bencode.Value {
	data, err := os.ReadFile(filename)
	if err != nil {
		s.log.Debug().Err(err).Str("path", filename).Msg("could not read session file")
		return bencode.NewMap()
	}
	return decodeLenient(data, s.log, what, filename)
}

// saveInputHistory writes the command history in its line format: one
// "<type>|<value>" line per [type, value] entry, in list order.
func (s *directoryStore) saveInputHistory(v *bencode.Value) bool {
	target := filepath.Join(s.uri, inputHistoryKey)
	f, err := os.OpenFile(target+".new", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		s.log.Debug().Err(err).Str("path", target).Msg("could not open input history file for writing")
		return false
	}
	w := bufio.NewWriter(f)
	werr := error(nil)
	for _, row := range v.List() {
		items := row.List()
		if len(items) != 2 {
			continue
		}
		_, werr = fmt.Fprintf(w, "%d|%s\n", items[0].Integer(), items[1].Text())
		if werr != nil {
			break
		}
	}
	if werr == nil {
		werr = w.Flush()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		s.log.Debug().Err(werr).Str("path", target).Msg("input history write failed, discarding")
		os.Remove(target + ".new")
		return false
	}
	return os.Rename(target+".new", target) == nil
}

func (s *directoryStore) loadInputHistory() *bencode.Value {
	result := bencode.NewList()
	target := filepath.Join(s.uri, inputHistoryKey)
	f, err := os.Open(target)
	if err != nil {
		s.log.Debug().Err(err).Str("path", target).Msg("could not open input history file")
		return result
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.Index(line, "|")
		if idx < 0 {
			continue
		}
		entryType, _ := strconv.Atoi(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		result.Append(bencode.NewList(
			bencode.NewInteger(int64(entryType)),
			bencode.NewString(value),
		))
	}
	if err := scanner.Err(); err != nil {
		s.log.Debug().Err(err).Str("path", target).Msg("input history file corrupted")
	}
	return result
}
