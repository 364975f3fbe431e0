package session

import (
	"database/sql"
	"errors"
	"fmt"

	// The SQL backend speaks postgres through the pgx stdlib driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jkaberg/gorrent/bencode"
	"github.com/jkaberg/gorrent/lockfile"
)

// postgresStore keeps the session in two tables: one row per download in
// "session", one row per field in "field". Saves are transactional; a failed
// transaction leaves the database unchanged. Host exclusion uses a field row
// because a remote database has no file to lock.
type postgresStore struct {
	base
	db     *sql.DB
	locked bool

	insertAll    *sql.Stmt
	insertResume *sql.Stmt
	insertField  *sql.Stmt
}

func newPostgresStore() *postgresStore {
	return &postgresStore{base: newBase("session-postgres")}
}

func (s *postgresStore) Enable(lock bool) error {
	if s.enabled {
		return ErrBadState
	}
	if s.uri == "" {
		return nil
	}
	db, err := sql.Open("pgx", s.uri)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	if err := s.setup(db); err != nil {
		db.Close()
		return err
	}
	s.db = db
	if lock {
		if err := s.acquireLockRow(); err != nil {
			s.closeConnection()
			return err
		}
	}
	s.enabled = true
	return nil
}

func (s *postgresStore) setup(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS session (hash VARCHAR(40) UNIQUE, torrent BYTEA, rtorrent BYTEA, resume BYTEA)",
		"CREATE TABLE IF NOT EXISTS field (key VARCHAR UNIQUE, value BYTEA)",
	} {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}

	if s.insertAll, err = db.Prepare(
		"INSERT INTO session (hash, torrent, rtorrent, resume) VALUES ($1, $2, $3, $4)" +
			" ON CONFLICT (hash) DO UPDATE SET torrent = excluded.torrent, rtorrent = excluded.rtorrent, resume = excluded.resume"); err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	if s.insertResume, err = db.Prepare(
		"INSERT INTO session (hash, rtorrent, resume) VALUES ($1, $2, $3)" +
			" ON CONFLICT (hash) DO UPDATE SET rtorrent = excluded.rtorrent, resume = excluded.resume"); err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	if s.insertField, err = db.Prepare(
		"INSERT INTO field (key, value) VALUES ($1, $2)" +
			" ON CONFLICT (key) DO UPDATE SET value = excluded.value"); err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	return nil
}

// acquireLockRow implements the advisory lock over the field table: an empty
// or absent rtorrent.lock row means the store is free. A row left by a dead
// process on this host is displaced; anything else reports the holder.
func (s *postgresStore) acquireLockRow() error {
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
		s.log.Debug().Str("holder", holder).Msg("displacing stale session lock row")
	}
	identity, err := bencode.Marshal(bencode.NewString(lockfile.Identity()), 0)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	if _, err := s.insertField.Exec(lockFieldKey, identity); err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	s.locked = true
	return nil
}

func (s *postgresStore) Disable() {
	if !s.enabled {
		return
	}
	if s.locked {
		if _, err := s.db.Exec("DELETE FROM field WHERE key = $1", lockFieldKey); err != nil {
			s.log.Warn().Err(err).Msg("could not release session lock row")
		}
		s.locked = false
	}
	s.closeConnection()
	s.enabled = false
}

func (s *postgresStore) closeConnection() {
	for _, stmt := range []*sql.Stmt{s.insertAll, s.insertResume, s.insertField} {
		if stmt != nil {
			stmt.Close()
		}
	}
	s.insertAll, s.insertResume, s.insertField = nil, nil, nil
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

func (s *postgresStore) Save(d Download, flags int) bool {
	if !s.enabled {
		return true
	}
	tx, err := s.db.Begin()
	if err != nil {
		s.log.Warn().Err(err).Msg("could not begin session save")
		return false
	}
	if err := s.saveInTx(tx, d, flags); err != nil {
		tx.Rollback()
		s.log.Warn().Err(err).Str("hash", hashKey(d)).Msg("session save failed")
		return false
	}
	if err := tx.Commit(); err != nil {
		s.log.Warn().Err(err).Str("hash", hashKey(d)).Msg("session save commit failed")
		return false
	}
	return true
}

func (s *postgresStore) saveInTx(tx *sql.Tx, d Download, flags int) error {
	resumeBase, rtorrentBase := prepareSave(d)
	rtorrentBytes, err := bencode.Marshal(rtorrentBase, 0)
	if err != nil {
		return err
	}
	resumeBytes, err := bencode.Marshal(resumeBase, 0)
	if err != nil {
		return err
	}
	if flags&FlagSkipStatic != 0 {
		_, err = tx.Stmt(s.insertResume).Exec(hashKey(d), rtorrentBytes, resumeBytes)
		return err
	}
	mainBytes, err := bencode.Marshal(d.Root(), bencode.FlagSessionData)
	if err != nil {
		return err
	}
	_, err = tx.Stmt(s.insertAll).Exec(hashKey(d), mainBytes, rtorrentBytes, resumeBytes)
	return err
}

func (s *postgresStore) SaveFull(d Download) bool { return s.Save(d, 0) }

// SaveResume wraps the whole batch in one transaction. A row that fails to
// execute is counted as not saved; if the commit fails nothing was saved.
func (s *postgresStore) SaveResume(ds []Download) int {
	if !s.enabled {
		return len(ds)
	}
	tx, err := s.db.Begin()
	if err != nil {
		s.log.Warn().Err(err).Msg("could not begin batch resume save")
		return 0
	}
	saved := 0
	for _, d := range ds {
		if err := s.saveInTx(tx, d, FlagSkipStatic); err != nil {
			s.log.Warn().Err(err).Str("hash", hashKey(d)).Msg("resume save failed for download")
			continue
		}
		saved++
	}
	if err := tx.Commit(); err != nil {
		s.log.Warn().Err(err).Msg("batch resume save commit failed")
		return 0
	}
	return saved
}

func (s *postgresStore) Remove(d Download) { s.RemoveKey(hashKey(d)) }

func (s *postgresStore) RemoveKey(key string) {
	if !s.enabled {
		return
	}
	if _, err := s.db.Exec("DELETE FROM session WHERE hash = $1", key); err != nil {
		s.log.Warn().Err(err).Str("hash", key).Msg("could not remove session row")
	}
}

func (s *postgresStore) LoadAll() error {
	if !s.enabled {
		return nil
	}
	rows, err := s.db.Query("SELECT hash, torrent, rtorrent, resume FROM session")
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var hash string
		var mainBytes, rtorrentBytes, resumeBytes []byte
		if err := rows.Scan(&hash, &mainBytes, &rtorrentBytes, &resumeBytes); err != nil {
			return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
		}
		s.emit(Record{
			Main:     decodeLenient(mainBytes, s.log, "main", hash),
			Rtorrent: decodeLenient(rtorrentBytes, s.log, "rtorrent", hash),
			Resume:   decodeLenient(resumeBytes, s.log, "libtorrent_resume", hash),
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *postgresStore) SaveField(key string, v *bencode.Value) bool {
	if !s.enabled {
		return true
	}
	data, err := bencode.Marshal(v, 0)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("could not encode field")
		return false
	}
	if _, err := s.insertField.Exec(key, data); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("field save failed")
		return false
	}
	return true
}

func (s *postgresStore) RetrieveField(key string) *bencode.Value {
	if !s.enabled {
		return bencode.NewNone()
	}
	data, err := s.fieldValue(key)
	if err != nil || len(data) == 0 {
		return bencode.NewNone()
	}
	v, err := bencode.Unmarshal(data)
	if err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("field row corrupted, discarding")
		return bencode.NewNone()
	}
	return v
}

func (s *postgresStore) RemoveField(key string) {
	if !s.enabled {
		return
	}
	if _, err := s.db.Exec("DELETE FROM field WHERE key = $1", key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("could not remove field row")
	}
}

func (s *postgresStore) fieldValue(key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT value FROM field WHERE key = $1", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
