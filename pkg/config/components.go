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
	"sync"

	"github.com/ingestpipe/core/pkg/gateway"
	"github.com/ingestpipe/core/pkg/ingest"
	"github.com/ingestpipe/core/pkg/job"
	"github.com/ingestpipe/core/pkg/scheduler"
)

// JobStoreComponent adapts a job.Store into a config.Component, rebinding
// the store's default attempt count from ingestion.yaml (see ToStoreConfig).
// Retention, backoff and lease settings keep Base's values and are not
// reloaded from any config file. It only handles TypeIngestion; the Config
// Plane skips it for every other type.
type JobStoreComponent struct {
	Store job.Store
	Base  job.StoreConfig
}

func (c *JobStoreComponent) HandlesConfigType(typ Type) bool {
	return typ == TypeIngestion
}

func (c *JobStoreComponent) UpdateConfig(typ Type, newCfg, oldCfg any) error {
	ic, ok := newCfg.(IngestionConfig)
	if !ok {
		return errConfigShape(typ, newCfg)
	}
	c.Store.Configure(ic.ToStoreConfig(c.Base))
	return nil
}

// WorkerPoolSetter is the slice of worker.Pool this package needs,
// narrowed to avoid an import of pkg/worker's full surface.
type WorkerPoolSetter interface {
	SetConcurrency(n int)
}

// WorkerPoolComponent adapts a worker.Pool into a config.Component,
// rebinding its concurrency from queue.yaml's named queue settings.
type WorkerPoolComponent struct {
	Pool      WorkerPoolSetter
	QueueName string
	Fallback  int
}

func (c *WorkerPoolComponent) HandlesConfigType(typ Type) bool {
	return typ == TypeQueue
}

func (c *WorkerPoolComponent) UpdateConfig(typ Type, newCfg, oldCfg any) error {
	qc, ok := newCfg.(QueueConfig)
	if !ok {
		return errConfigShape(typ, newCfg)
	}
	c.Pool.SetConcurrency(qc.Concurrency(c.QueueName, c.Fallback))
	return nil
}

// GatewayComponent adapts a gateway.Gateway into a config.Component,
// rebinding its failover weights/retry/breaker knobs from provider.yaml.
type GatewayComponent struct {
	Gateway *gateway.Gateway
}

func (c *GatewayComponent) HandlesConfigType(typ Type) bool {
	return typ == TypeProvider
}

func (c *GatewayComponent) UpdateConfig(typ Type, newCfg, oldCfg any) error {
	pc, ok := newCfg.(ProviderConfig)
	if !ok {
		return errConfigShape(typ, newCfg)
	}
	c.Gateway.Configure(pc.ToGatewayConfig())
	return nil
}

// SourcesComponent adapts a scheduler.Scheduler into a config.Component,
// registering/cancelling recurring schedules from sources.yaml's enabled
// entries that carry a cron expression. A source's schedule expression can
// only be picked up by toggling enabled off then on again; this component
// does not diff cron strings for an already-active source.
type SourcesComponent struct {
	Scheduler *scheduler.Scheduler
	Priority  any
	Options   ingest.Options

	mu        sync.Mutex
	recurring map[string]string // source id -> recurring schedule id
}

func (c *SourcesComponent) HandlesConfigType(typ Type) bool {
	return typ == TypeSources
}

func (c *SourcesComponent) UpdateConfig(typ Type, newCfg, oldCfg any) error {
	sc, ok := newCfg.(SourcesConfig)
	if !ok {
		return errConfigShape(typ, newCfg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recurring == nil {
		c.recurring = make(map[string]string)
	}

	byID := make(map[string]SourceEntry, len(sc.Sources))
	for _, e := range sc.Sources {
		byID[e.ID] = e
	}

	for id, recurringID := range c.recurring {
		e, present := byID[id]
		if present && e.Enabled && e.Schedule != "" {
			continue
		}
		if err := c.Scheduler.CancelRecurring(recurringID); err != nil {
			return err
		}
		delete(c.recurring, id)
	}

	for id, e := range byID {
		if !e.Enabled || e.Schedule == "" {
			continue
		}
		if _, already := c.recurring[id]; already {
			continue
		}
		recurringID, err := c.Scheduler.RegisterRecurring(e.ToSourceSpec(), e.Schedule, c.Priority, c.Options)
		if err != nil {
			return err
		}
		c.recurring[id] = recurringID
	}
	return nil
}

func errConfigShape(typ Type, v any) error {
	return &shapeError{typ: typ, got: v}
}

type shapeError struct {
	typ Type
	got any
}

func (e *shapeError) Error() string {
	return "unexpected config value for type " + string(e.typ)
}
