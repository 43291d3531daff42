// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// settle is how long a file has to stay quiet before it is reloaded.
// Writers truncate before writing, reading right away sees an empty file
const settle = 100 * time.Millisecond

// Watch reloads the config file at path whenever it changes and hands every
// new valid config to onChange. Bursts of events are coalesced. Files left
// empty or unchanged are skipped, like invalid configs.
// Blocks until ctx is done
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	// Editors tend to replace the file, so watch the directory instead
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	last, _ := os.ReadFile(abs)
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	log := logrus.WithField("component", "config").WithField("file", abs)
	log.Debugln("Watching config file")

	settled := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce == nil {
				debounce = time.AfterFunc(settle, func() {
					select {
					case settled <- struct{}{}:
					default:
					}
				})
			} else {
				debounce.Reset(settle)
			}
		case <-settled:
			data, err := os.ReadFile(abs)
			if err != nil {
				log.WithError(err).Warnln("Reading changed config failed")
				continue
			}
			if len(bytes.TrimSpace(data)) == 0 {
				log.Debugln("Config file is empty, keeping the current config")
				continue
			}
			if bytes.Equal(data, last) {
				continue
			}
			cfg, err := Load(abs)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				log.WithError(err).Warnln("Ignoring changed config")
				continue
			}
			last = data
			log.Infoln("Config reloaded")
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warnln("File watcher error")
		}
	}
}
