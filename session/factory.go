package session

import "strings"

// New selects a backend by URI scheme and seeds its location:
//
//	""                         disabled store
//	postgres:// postgresql://  SQL backend
//	badger://<path>            badger backend
//	anything else              directory backend (the uri is a path)
//
// The store is returned disabled; call Enable to start using it.
func New(uri string) Store {
	s := newStore(uri)
	s.SetLocation(uri)
	return s
}

func newStore(uri string) Store {
	switch {
	case uri == "":
		b := newBase("session")
		return &b
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return newPostgresStore()
	case strings.HasPrefix(uri, badgerScheme):
		return newBadgerStore()
	default:
		return newDirectoryStore()
	}
}
