package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent carries a changed file. When the change was to
// config.yaml and it re-parsed cleanly, Config holds the new state;
// it is nil for workflow file changes and for unparseable edits.
type ReloadEvent struct {
	Path   string
	Config *Config
}

// Watcher reports changes to the config and workflow files under the
// home directory so long-running processes can reload them. Config
// rewrites that hash to the currently active state are suppressed.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
	lastFP  string
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	configPath := ConfigPath(w.homeDir)
	if cfg, err := LoadFrom(w.homeDir); err == nil {
		w.lastFP = cfg.Fingerprint()
	}

	_ = fsw.Add(configPath)
	_ = fsw.Add(filepath.Join(w.homeDir, "workflow.yaml"))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.handleChange(ev.Name, configPath)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) handleChange(path, configPath string) {
	event := ReloadEvent{Path: path}
	if path == configPath {
		cfg, err := LoadFrom(w.homeDir)
		if err != nil {
			w.logger.Warn("config changed but did not parse, keeping active config",
				"path", path, "error", err)
			return
		}
		fp := cfg.Fingerprint()
		if fp == w.lastFP {
			return
		}
		w.lastFP = fp
		event.Config = &cfg
		w.logger.Info("config reloaded", "path", path, "fingerprint", fp)
	} else {
		w.logger.Info("workflow file changed", "path", path)
	}

	select {
	case w.events <- event:
	default:
	}
}
