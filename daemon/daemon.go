// Package daemon holds the download list and drives the session store: it
// rehydrates stored downloads on startup, flushes resume data on a timer,
// and registers torrents handed over by the watch folder.
package daemon

import (
	"sort"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/gorrent/session"
)

type Daemon struct {
	log   zerolog.Logger
	store session.Store

	mu        sync.Mutex
	downloads map[metainfo.Hash]*Download

	flushStop chan struct{}
	flushWG   sync.WaitGroup
}

func New(store session.Store) *Daemon {
	d := &Daemon{
		log:       log.Logger.With().Str("component", "daemon").Logger(),
		store:     store,
		downloads: make(map[metainfo.Hash]*Download),
	}
	store.SetLoadFunc(d.hydrate)
	return d
}

func (dm *Daemon) Store() session.Store { return dm.store }

// LoadSession replays every stored download through hydrate.
func (dm *Daemon) LoadSession() error {
	return dm.store.LoadAll()
}

func (dm *Daemon) hydrate(rec session.Record) {
	d, err := FromRecord(rec)
	if err != nil {
		dm.log.Warn().Err(err).Msg("skipping session record without usable metainfo")
		return
	}
	dm.mu.Lock()
	dm.downloads[d.Hash()] = d
	dm.mu.Unlock()
	dm.log.Info().Str("hash", d.Hash().HexString()).Str("name", d.Name()).
		Msg("download restored from session")
}

// Add registers a download and writes its full record.
func (dm *Daemon) Add(d *Download) bool {
	dm.mu.Lock()
	dm.downloads[d.Hash()] = d
	dm.mu.Unlock()
	return dm.store.SaveFull(d)
}

// AddTorrentFile registers a .torrent file dropped into the watch folder.
// Already-known hashes are ignored.
func (dm *Daemon) AddTorrentFile(path string) error {
	d, err := FromTorrentFile(path)
	if err != nil {
		return err
	}
	dm.mu.Lock()
	_, known := dm.downloads[d.Hash()]
	dm.mu.Unlock()
	if known {
		return nil
	}
	dm.Add(d)
	dm.log.Info().Str("path", path).Str("hash", d.Hash().HexString()).Msg("torrent file added")
	return nil
}

func (dm *Daemon) Get(hash metainfo.Hash) *Download {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.downloads[hash]
}

// Downloads returns the current list ordered by hash.
func (dm *Daemon) Downloads() []*Download {
	dm.mu.Lock()
	out := make([]*Download, 0, len(dm.downloads))
	for _, d := range dm.downloads {
		out = append(out, d)
	}
	dm.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].hash.HexString() < out[j].hash.HexString()
	})
	return out
}

// Remove drops a download and deletes its session records.
func (dm *Daemon) Remove(hash metainfo.Hash) {
	dm.mu.Lock()
	d, ok := dm.downloads[hash]
	delete(dm.downloads, hash)
	dm.mu.Unlock()
	if ok {
		dm.store.Remove(d)
	}
}

// FlushResume saves resume data for every download, returning how many were
// written.
func (dm *Daemon) FlushResume() int {
	downloads := dm.Downloads()
	ds := make([]session.Download, len(downloads))
	for i, d := range downloads {
		ds[i] = d
	}
	return dm.store.SaveResume(ds)
}

// StartResumeFlush flushes resume data on the given period until
// StopResumeFlush is called.
func (dm *Daemon) StartResumeFlush(interval time.Duration) {
	if dm.flushStop != nil {
		return
	}
	dm.flushStop = make(chan struct{})
	dm.flushWG.Add(1)
	go func() {
		defer dm.flushWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				saved := dm.FlushResume()
				dm.log.Debug().Int("saved", saved).Msg("periodic resume flush")
			case <-dm.flushStop:
				return
			}
		}
	}()
}

func (dm *Daemon) StopResumeFlush() {
	if dm.flushStop == nil {
		return
	}
	close(dm.flushStop)
	dm.flushWG.Wait()
	dm.flushStop = nil
}
