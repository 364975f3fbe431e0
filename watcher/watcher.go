// Package watcher feeds .torrent files dropped into a folder to the daemon.
// Events are debounced: fsnotify bumps a counter, and a ticker syncs the
// folder when anything happened since the last pass.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TorrentAdder captures the minimal API the watcher needs from the daemon.
type TorrentAdder interface {
	AddTorrentFile(path string) error
}

type Watcher struct {
	folder string
	w      *fsnotify.Watcher
	s      TorrentAdder
	log    zerolog.Logger

	interval time.Duration
	done     chan struct{}

	eventsCount uint64
}

func New(s TorrentAdder, folder string, interval time.Duration) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		folder:   folder,
		w:        w,
		s:        s,
		log:      log.Logger.With().Str("component", "watcher").Logger(),
		interval: interval,
		done:     make(chan struct{}),
	}, nil
}

func (fw *Watcher) Start() error {
	if err := os.MkdirAll(fw.folder, 0744); err != nil {
		return err
	}
	if err := fw.w.Add(fw.folder); err != nil {
		return err
	}

	// Initial sync
	if err := fw.sync(); err != nil {
		fw.log.Error().Err(err).Str("folder", fw.folder).Msg("error syncing watch folder on start")
	}

	go func() {
		for {
			select {
			case _, ok := <-fw.w.Events:
				if !ok {
					return
				}
				atomic.AddUint64(&fw.eventsCount, 1)
			case err, ok := <-fw.w.Errors:
				if !ok {
					return
				}
				fw.log.Error().Err(err).Str("folder", fw.folder).Msg("watcher error")
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(fw.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ec := atomic.LoadUint64(&fw.eventsCount)
				if ec == 0 {
					continue
				}
				if err := fw.sync(); err != nil {
					fw.log.Error().Err(err).Str("folder", fw.folder).Msg("error syncing watch folder")
				}
				atomic.AddUint64(&fw.eventsCount, ^uint64(ec-1))
			case <-fw.done:
				return
			}
		}
	}()

	fw.log.Info().Str("folder", fw.folder).Msg("watch folder started")
	return nil
}

func (fw *Watcher) sync() error {
	entries, err := os.ReadDir(fw.folder)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".torrent") {
			continue
		}
		p := filepath.Join(fw.folder, entry.Name())
		if err := fw.s.AddTorrentFile(p); err != nil {
			fw.log.Error().Err(err).Str("path", p).Msg("error adding torrent from watch folder")
		}
	}
	return nil
}

func (fw *Watcher) Close() error {
	if fw.w == nil {
		return nil
	}
	close(fw.done)
	return fw.w.Close()
}
