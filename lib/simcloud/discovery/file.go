// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// FileDriver reads the list of workers from a YAML or JSON file, and
// reloads it whenever the file changes. Parameters:
//
//	DriverParameters:
//	  Path: /etc/simcloud/workers.yml
//
// The file is either a list of "host:port" strings, which is
// returned for every service tag, or a map of service tag to such a
// list:
//
//	SIMCLOUD:
//	  - 10.0.0.1:18861
//	  - 10.0.0.2:18861
//
// If the file becomes unreadable or invalid, the last good list is
// served until it is fixed.
var FileDriver = DriverFunc(newFileDiscovery)

type fileConfig struct {
	Path string
}

type fileDiscovery struct {
	path    string
	logger  logrus.FieldLogger
	watcher *fsnotify.Watcher
	done    chan struct{}

	mtx    sync.Mutex
	all    []Endpoint
	byTag  map[string][]Endpoint
	err    error
	loaded bool
}

func newFileDiscovery(config json.RawMessage, logger logrus.FieldLogger) (Discovery, error) {
	var cfg fileConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("error decoding file discovery parameters: %w", err)
		}
	}
	if cfg.Path == "" {
		return nil, errors.New("file discovery: Path is required")
	}
	fd := &fileDiscovery{
		path:   cfg.Path,
		logger: logger.WithField("Path", cfg.Path),
		done:   make(chan struct{}),
	}
	fd.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify setup failed: %w", err)
	}
	// Watch the directory, so we notice when the file is
	// replaced by a rename.
	if err := watcher.Add(filepath.Dir(cfg.Path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("fsnotify watcher failed: %w", err)
	}
	fd.watcher = watcher
	go fd.watch()
	return fd, nil
}

func (fd *fileDiscovery) watch() {
	defer close(fd.done)
	for {
		select {
		case err, ok := <-fd.watcher.Errors:
			if !ok {
				return
			}
			fd.logger.WithError(err).Warn("fsnotify watcher reported error")
		case ev, ok := <-fd.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(fd.path) {
				continue
			}
			for len(fd.watcher.Events) > 0 {
				<-fd.watcher.Events
			}
			fd.reload()
		}
	}
}

func (fd *fileDiscovery) reload() {
	all, byTag, err := fd.read()
	fd.mtx.Lock()
	defer fd.mtx.Unlock()
	if err != nil {
		if fd.loaded {
			fd.logger.WithError(err).Warn("error reloading worker list; still using previous list")
		} else {
			fd.err = err
		}
		return
	}
	fd.all, fd.byTag, fd.err, fd.loaded = all, byTag, nil, true
	fd.logger.Debug("loaded worker list")
}

func (fd *fileDiscovery) read() ([]Endpoint, map[string][]Endpoint, error) {
	buf, err := os.ReadFile(fd.path)
	if err != nil {
		return nil, nil, err
	}
	var list []string
	if err := yaml.Unmarshal(buf, &list); err == nil {
		eps, err := parseEndpoints(list)
		return eps, nil, err
	}
	var tagged map[string][]string
	if err := yaml.Unmarshal(buf, &tagged); err != nil {
		return nil, nil, fmt.Errorf("%s: expected a list of host:port, or a map of service tag to list: %w", fd.path, err)
	}
	byTag := make(map[string][]Endpoint, len(tagged))
	for tag, list := range tagged {
		eps, err := parseEndpoints(list)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %s: %w", fd.path, tag, err)
		}
		byTag[tag] = eps
	}
	return nil, byTag, nil
}

func (fd *fileDiscovery) Workers(_ context.Context, serviceTag string) ([]Endpoint, error) {
	fd.mtx.Lock()
	defer fd.mtx.Unlock()
	if fd.err != nil {
		return nil, fd.err
	}
	if fd.byTag != nil {
		return append([]Endpoint(nil), fd.byTag[serviceTag]...), nil
	}
	return append([]Endpoint(nil), fd.all...), nil
}

func (fd *fileDiscovery) Stop() {
	fd.watcher.Close()
	<-fd.done
}
