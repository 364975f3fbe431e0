package config

import (
	"os"
	"sync"

	"github.com/goccy/go-yaml"
)

// Handler loads the yaml configuration and caches it. A missing file yields
// the defaults.
type Handler struct {
	path string

	mu   sync.Mutex
	conf *Root
}

func NewHandler(path string) *Handler {
	return &Handler{path: path}
}

func (h *Handler) Get() (*Root, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conf != nil {
		return h.conf, nil
	}
	return h.loadLocked()
}

// Reload re-reads the file, replacing the cached configuration.
func (h *Handler) Reload() (*Root, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadLocked()
}

func (h *Handler) loadLocked() (*Root, error) {
	root := &Root{}
	data, err := os.ReadFile(h.path)
	switch {
	case os.IsNotExist(err):
		// Fall through to defaults.
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, root); err != nil {
			return nil, err
		}
	}
	h.conf = AddDefaults(root)
	return h.conf, nil
}
