package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/jkaberg/gorrent/config"
	"github.com/jkaberg/gorrent/daemon"
	dlog "github.com/jkaberg/gorrent/log"
	"github.com/jkaberg/gorrent/session"
	"github.com/jkaberg/gorrent/watcher"
)

const (
	configFlag  = "config"
	sessionFlag = "session"
	noLockFlag  = "no-lock"
)

func main() {
	app := &cli.App{
		Name:  "gorrentd",
		Usage: "Peer-to-peer file transfer daemon with durable session state.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlag,
				Value:   "./gorrent-data/config/config.yaml",
				EnvVars: []string{"GORRENT_CONFIG"},
				Usage:   "YAML file containing gorrent configuration.",
			},
			&cli.StringFlag{
				Name:    sessionFlag,
				EnvVars: []string{"GORRENT_SESSION"},
				Usage:   "Session location override: directory path, postgres:// URI or badger:// path.",
			},
			&cli.BoolFlag{
				Name:    noLockFlag,
				EnvVars: []string{"GORRENT_NO_LOCK"},
				Usage:   "Do not take the session lock. Only safe when nothing else uses the session.",
			},
		},

		Action: func(c *cli.Context) error {
			return load(c.String(configFlag), c.String(sessionFlag), c.Bool(noLockFlag))
		},

		HideHelpCommand: true,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("problem starting application")
	}
}

func load(configPath, sessionOverride string, noLock bool) error {
	ch := config.NewHandler(configPath)

	conf, err := ch.Get()
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}

	dlog.Load(conf.Log)

	location := conf.Session.Location
	if sessionOverride != "" {
		location = sessionOverride
	}
	if err := os.MkdirAll(conf.Log.Path, 0744); err != nil {
		return fmt.Errorf("error creating log folder: %w", err)
	}

	st := session.New(location)
	if conf.Session.LockLocation != "" {
		if err := st.SetLockLocation(conf.Session.LockLocation); err != nil {
			return err
		}
	}

	dm := daemon.New(st)

	if err := st.Enable(!noLock && !conf.Session.DisableLock); err != nil {
		return fmt.Errorf("error enabling session store: %w", err)
	}
	if err := dm.LoadSession(); err != nil {
		st.Disable()
		return fmt.Errorf("error loading session: %w", err)
	}
	log.Info().Int("downloads", len(dm.Downloads())).Str("location", location).
		Msg("session loaded")

	var fw *watcher.Watcher
	if conf.Watch.Folder != "" {
		fw, err = watcher.New(dm, conf.Watch.Folder, time.Duration(conf.Watch.Interval)*time.Second)
		if err != nil {
			st.Disable()
			return fmt.Errorf("error creating watch folder: %w", err)
		}
		if err := fw.Start(); err != nil {
			st.Disable()
			return fmt.Errorf("error starting watch folder: %w", err)
		}
	}

	dm.StartResumeFlush(time.Duration(conf.Session.SaveInterval) * time.Second)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	if fw != nil {
		log.Info().Msg("closing watch folder...")
		if err := fw.Close(); err != nil {
			log.Warn().Err(err).Msg("problem closing watch folder")
		}
	}
	log.Info().Msg("stopping resume flush...")
	dm.StopResumeFlush()
	log.Info().Int("saved", dm.FlushResume()).Msg("final resume flush")
	log.Info().Msg("closing session store...")
	st.Disable()

	log.Info().Msg("exiting")
	return nil
}
