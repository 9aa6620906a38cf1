/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ingestpipe/core/pkg/shared/errors"
	"github.com/ingestpipe/core/pkg/shared/logging"
	"github.com/ingestpipe/core/pkg/shared/metrics"
)

// snapshot is one Type's last successfully validated+applied value,
// carrying the source path and a monotonic version (spec §3).
type snapshot struct {
	Value   any
	Path    string
	Version int
}

// Plane is the Config Plane (spec §4.H): a file-watched directory of
// typed configuration files, validated and atomically fanned out to
// registered Components with best-effort rollback on partial failure.
// getConfig is read-through: it always returns the last successfully
// applied snapshot, never a rejected or partially-applied one.
type Plane struct {
	dir string
	log *logrus.Logger

	mu         sync.RWMutex
	snapshots  map[Type]snapshot
	components []Component

	typeMusMu sync.Mutex
	typeMus   map[Type]*sync.Mutex

	bus     *bus
	metrics *metrics.Metrics

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// SetMetrics wires a metrics collector in; nil disables instrumentation.
func (p *Plane) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

func (p *Plane) observeReload(typ Type, outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.ConfigReloadTotal.WithLabelValues(string(typ), outcome).Inc()
}

// New builds a Plane watching dir. A nil logger falls back to logrus'
// standard logger.
func New(dir string, log *logrus.Logger) *Plane {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Plane{
		dir:       dir,
		log:       log,
		snapshots: make(map[Type]snapshot),
		typeMus:   make(map[Type]*sync.Mutex),
		bus:       newBus(),
	}
}

// Subscribe returns a channel of Config Plane events and an unsubscribe function.
func (p *Plane) Subscribe() (<-chan Event, func()) {
	return p.bus.Subscribe()
}

// Register adds c to the set of components that receive pushed snapshots.
func (p *Plane) Register(c Component) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.components = append(p.components, c)
}

// GetConfig returns the last successfully applied value for typ, or
// (nil, false) if typ has never been successfully applied.
func (p *Plane) GetConfig(typ Type) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.snapshots[typ]
	if !ok {
		return nil, false
	}
	return s.Value, true
}

// typeMuFor returns (creating if needed) the per-type mutex that
// serializes concurrent changes to the same config type (spec §5).
func (p *Plane) typeMuFor(typ Type) *sync.Mutex {
	p.typeMusMu.Lock()
	defer p.typeMusMu.Unlock()
	m, ok := p.typeMus[typ]
	if !ok {
		m = &sync.Mutex{}
		p.typeMus[typ] = m
	}
	return m
}

// typeForFile maps a filename to a recognized Type by its stem, or false
// if the file does not match any of the four recognized types.
func typeForFile(name string) (Type, bool) {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	switch Type(stem) {
	case TypeSources, TypeIngestion, TypeQueue, TypeProvider:
		return Type(stem), true
	default:
		return "", false
	}
}

// LoadAll applies every recognized file already present in the watched
// directory, in lexical filename order. Call once at startup before Start.
func (p *Plane) LoadAll() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return errors.FailedToWithDetails("list config directory", "config", p.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := typeForFile(entry.Name()); !ok {
			continue
		}
		p.applyFile(filepath.Join(p.dir, entry.Name()))
	}
	return nil
}

// Start begins watching the directory for add/modify/remove events.
func (p *Plane) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.FailedToWithDetails("create file watcher", "config", p.dir, err)
	}
	if err := w.Add(p.dir); err != nil {
		w.Close()
		return errors.FailedToWithDetails("watch config directory", "config", p.dir, err)
	}
	p.watcher = w

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.watchLoop(ctx)
	return nil
}

// Stop stops the directory watcher and waits for the watch loop to exit.
func (p *Plane) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	if p.watcher != nil {
		p.watcher.Close()
	}
}

func (p *Plane) watchLoop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			typ, recognized := typeForFile(ev.Name)
			if !recognized {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				p.applyFile(ev.Name)
			case ev.Op&fsnotify.Remove != 0:
				p.handleRemoval(typ)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.log.WithFields(logging.NewFields().Component("config").Operation("watch").Error(err).ToLogrus()).Error("config watcher error")
		}
	}
}

// applyFile runs the full lifecycle (spec §4.H) for one file change:
// read, env-interpolate, parse+validate, compare, fan out, rollback on
// any component failure.
func (p *Plane) applyFile(path string) {
	typ, ok := typeForFile(path)
	if !ok {
		return
	}

	mu := p.typeMuFor(typ)
	mu.Lock()
	defer mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		p.reject(typ, path, errors.FailedToWithDetails("read config file", "config", path, err))
		return
	}
	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		p.reject(typ, path, err)
		return
	}

	parsed, err := parseAndValidate(typ, []byte(interpolated))
	if err != nil {
		p.reject(typ, path, err)
		return
	}

	p.mu.RLock()
	prev, hadPrev := p.snapshots[typ]
	p.mu.RUnlock()
	if hadPrev && reflect.DeepEqual(prev.Value, parsed) {
		p.bus.publish(Event{Kind: EventNoop, Type: typ, Path: path})
		p.observeReload(typ, "noop")
		return
	}

	var oldValue any
	if hadPrev {
		oldValue = prev.Value
	}

	if err := p.fanOut(typ, parsed, oldValue); err != nil {
		p.rollback(typ, oldValue, parsed)
		p.bus.publish(Event{Kind: EventIntegrationError, Type: typ, Path: path, Err: err})
		p.observeReload(typ, "rolled_back")
		p.log.WithFields(logging.NewFields().Component("config").Operation("apply").Resource("type", string(typ)).Error(err).ToLogrus()).Error("config apply rejected, rolled back")
		return
	}

	version := 1
	if hadPrev {
		version = prev.Version + 1
	}
	p.mu.Lock()
	p.snapshots[typ] = snapshot{Value: parsed, Path: path, Version: version}
	p.mu.Unlock()

	p.bus.publish(Event{Kind: EventApplied, Type: typ, Path: path})
	p.observeReload(typ, "applied")
}

// reject emits integration-error without touching the previous snapshot
// (spec §4.H step 2: "on failure emit integration-error and reject, prior
// snapshot remains authoritative").
func (p *Plane) reject(typ Type, path string, err error) {
	p.observeReload(typ, "rejected")
	p.bus.publish(Event{Kind: EventIntegrationError, Type: typ, Path: path, Err: err})
	p.log.WithFields(logging.NewFields().Component("config").Operation("load").Resource("type", string(typ)).Error(err).ToLogrus()).Error("config rejected")
}

// fanOut applies newCfg to every registered component that handles typ,
// in parallel, returning the first error (if any).
func (p *Plane) fanOut(typ Type, newCfg, oldCfg any) error {
	p.mu.RLock()
	components := append([]Component(nil), p.components...)
	p.mu.RUnlock()

	g := errgroup.Group{}
	for _, c := range components {
		c := c
		if !handles(c, typ) {
			continue
		}
		g.Go(func() error {
			return c.UpdateConfig(typ, newCfg, oldCfg)
		})
	}
	return g.Wait()
}

// rollback best-effort re-applies oldCfg to every component (spec §4.H
// step 5). A component whose rollback itself fails is logged; rollback
// never returns an error to the caller (partial rollback is allowed).
func (p *Plane) rollback(typ Type, oldCfg, failedCfg any) {
	p.mu.RLock()
	components := append([]Component(nil), p.components...)
	p.mu.RUnlock()

	for _, c := range components {
		if !handles(c, typ) {
			continue
		}
		if err := c.UpdateConfig(typ, oldCfg, failedCfg); err != nil {
			p.log.WithFields(logging.NewFields().Component("config").Operation("rollback").Resource("type", string(typ)).Error(err).ToLogrus()).Error("rollback failed for component, partial rollback")
		}
	}
	p.bus.publish(Event{Kind: EventRolledBack, Type: typ})
}

// handleRemoval calls HandleConfigRemoval on every component that
// implements it and handles typ (spec §4.H: "no rollback for removals").
func (p *Plane) handleRemoval(typ Type) {
	p.mu.RLock()
	prev, hadPrev := p.snapshots[typ]
	components := append([]Component(nil), p.components...)
	p.mu.RUnlock()
	if !hadPrev {
		return
	}

	for _, c := range components {
		if !handles(c, typ) {
			continue
		}
		rh, ok := c.(RemovalHandler)
		if !ok {
			continue
		}
		if err := rh.HandleConfigRemoval(typ, prev.Value); err != nil {
			p.log.WithFields(logging.NewFields().Component("config").Operation("remove").Resource("type", string(typ)).Error(err).ToLogrus()).Warn("config removal handler failed")
		}
	}

	p.mu.Lock()
	delete(p.snapshots, typ)
	p.mu.Unlock()
	p.bus.publish(Event{Kind: EventRemoved, Type: typ})
}
