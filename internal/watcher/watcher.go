// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package watcher hot-reloads the YAML configuration file and pushes the
// tunable subsystem settings to their owners without a restart. Structural
// settings (provider pool, listen address, audit path) still require a
// restart and are ignored on reload.
package watcher

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/fulvian/devflow-sub003/internal/config"
)

// ReloadFunc receives each successfully parsed configuration.
type ReloadFunc func(cfg *config.Config)

// Watcher watches one config file and invokes the reload callback on change.
type Watcher struct {
	path    string
	onLoad  ReloadFunc
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// New creates a watcher for the given config file.
func New(path string, onLoad ReloadFunc) *Watcher {
	return &Watcher{
		path:   path,
		onLoad: onLoad,
		stop:   make(chan struct{}),
	}
}

// Start begins watching. The containing directory is watched rather than the
// file itself, so editors that replace the file atomically are still seen.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	go w.run()
	return nil
}

// Stop ends watching.
func (w *Watcher) Stop() {
	close(w.stop)
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}

func (w *Watcher) run() {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors often fire several events per save.
			time.Sleep(100 * time.Millisecond)
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithField("error", err).Warn("watcher: fsnotify error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := config.LoadConfig(w.path)
	if err != nil {
		log.WithFields(log.Fields{"path": w.path, "error": err}).
			Warn("watcher: config reload rejected, keeping previous settings")
		return
	}
	log.WithField("path", w.path).Info("watcher: config reloaded")
	w.onLoad(cfg)
}
