package config

// Root is the main yaml config object
type Root struct {
	Session *Session `yaml:"session"`
	Watch   *Watch   `yaml:"watch"`
	Log     *Log     `yaml:"log"`
}

type Session struct {
	// Location selects the backend: a directory path, a postgres://
	// connection string, or badger://<path>.
	Location string `yaml:"location"`
	// LockLocation overrides the default lock file path of the directory
	// backend.
	LockLocation string `yaml:"lock_location,omitempty"`
	DisableLock  bool   `yaml:"disable_lock,omitempty"`
	// SaveInterval is the resume flush period in seconds.
	SaveInterval int `yaml:"save_interval,omitempty"`
}

type Watch struct {
	// Folder is scanned for dropped .torrent files. Empty disables watching.
	Folder   string `yaml:"folder,omitempty"`
	Interval int    `yaml:"interval,omitempty"`
}

type Log struct {
	Debug      bool   `yaml:"debug"`
	MaxBackups int    `yaml:"max_backups"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	Path       string `yaml:"path"`
}

func AddDefaults(r *Root) *Root {
	if r.Session == nil {
		r.Session = &Session{}
	}
	if r.Session.Location == "" {
		r.Session.Location = "./gorrent-data/session"
	}
	if r.Session.SaveInterval == 0 {
		r.Session.SaveInterval = 300
	}

	if r.Watch == nil {
		r.Watch = &Watch{}
	}
	if r.Watch.Interval == 0 {
		r.Watch.Interval = 5
	}

	if r.Log == nil {
		r.Log = &Log{}
	}
	if r.Log.Path == "" {
		r.Log.Path = "./gorrent-data/log"
	}
	if r.Log.MaxSize == 0 {
		r.Log.MaxSize = 50
	}
	if r.Log.MaxBackups == 0 {
		r.Log.MaxBackups = 2
	}
	if r.Log.MaxAge == 0 {
		r.Log.MaxAge = 30
	}

	return r
}
