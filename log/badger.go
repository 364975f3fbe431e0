package log

import (
	"strings"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"
)

var _ badger.Logger = &Badger{}

// Badger routes badger's logger onto a zerolog logger. Badger is chatty at
// info level during normal compaction, so info is downgraded to debug.
type Badger struct {
	L zerolog.Logger
}

func (l *Badger) Errorf(f string, v ...interface{}) {
	l.L.Error().Msgf(strings.TrimSpace(f), v...)
}

func (l *Badger) Warningf(f string, v ...interface{}) {
	l.L.Warn().Msgf(strings.TrimSpace(f), v...)
}

func (l *Badger) Infof(f string, v ...interface{}) {
	l.L.Debug().Msgf(strings.TrimSpace(f), v...)
}

func (l *Badger) Debugf(f string, v ...interface{}) {
	l.L.Debug().Msgf(strings.TrimSpace(f), v...)
}
