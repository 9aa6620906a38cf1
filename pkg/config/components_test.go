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
	"testing"

	"github.com/ingestpipe/core/pkg/gateway"
	"github.com/ingestpipe/core/pkg/job"
	"github.com/ingestpipe/core/pkg/scheduler"
)

type fakeStore struct {
	job.Store
	lastConfigure job.StoreConfig
}

func (s *fakeStore) Configure(cfg job.StoreConfig) {
	s.lastConfigure = cfg
}

func TestJobStoreComponent_UpdatesStoreConfig(t *testing.T) {
	store := &fakeStore{}
	comp := &JobStoreComponent{Store: store, Base: job.StoreConfig{}}

	ic := IngestionConfig{BatchSize: 20, MaxRetries: 4, TimeoutMS: 1000, Concurrency: 2}
	if err := comp.UpdateConfig(TypeIngestion, ic, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.lastConfigure.DefaultAttemptsMax != 5 {
		t.Fatalf("expected DefaultAttemptsMax to be maxRetries+1, got %d", store.lastConfigure.DefaultAttemptsMax)
	}
}

func TestJobStoreComponent_RejectsWrongShape(t *testing.T) {
	comp := &JobStoreComponent{Store: &fakeStore{}}
	if err := comp.UpdateConfig(TypeIngestion, "not-an-ingestion-config", nil); err == nil {
		t.Fatal("expected a shape error")
	}
}

type fakePool struct {
	lastConcurrency int
}

func (p *fakePool) SetConcurrency(n int) {
	p.lastConcurrency = n
}

func TestWorkerPoolComponent_UsesNamedQueueConcurrency(t *testing.T) {
	pool := &fakePool{}
	comp := &WorkerPoolComponent{Pool: pool, QueueName: "ingestion", Fallback: 1}

	qc := QueueConfig{Queues: map[string]QueueSettings{
		"ingestion": {Concurrency: 8},
	}}
	if err := comp.UpdateConfig(TypeQueue, qc, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.lastConcurrency != 8 {
		t.Fatalf("expected concurrency 8, got %d", pool.lastConcurrency)
	}
}

func TestWorkerPoolComponent_FallsBackWhenQueueUnconfigured(t *testing.T) {
	pool := &fakePool{}
	comp := &WorkerPoolComponent{Pool: pool, QueueName: "ingestion", Fallback: 3}

	if err := comp.UpdateConfig(TypeQueue, QueueConfig{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.lastConcurrency != 3 {
		t.Fatalf("expected fallback concurrency 3, got %d", pool.lastConcurrency)
	}
}

func TestGatewayComponent_RebindsFailoverConfig(t *testing.T) {
	gw := gateway.New(gateway.DefaultFailoverConfig(), nil)
	comp := &GatewayComponent{Gateway: gw}

	pc := ProviderConfig{Failover: FailoverSpec{
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeoutMS: 1000,
		HealthCheckIntervalMS:   2000,
		BaseRetryDelayMS:        100,
		MaxRetryDelayMS:         1000,
		RetryMultiplier:         2,
	}}
	if err := comp.UpdateConfig(TypeProvider, pc, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGatewayComponent_RejectsWrongShape(t *testing.T) {
	gw := gateway.New(gateway.DefaultFailoverConfig(), nil)
	comp := &GatewayComponent{Gateway: gw}
	if err := comp.UpdateConfig(TypeProvider, 42, nil); err == nil {
		t.Fatal("expected a shape error")
	}
}

func TestSourcesComponent_RegistersAndCancelsRecurringSchedules(t *testing.T) {
	store := job.NewMemoryStore(job.DefaultStoreConfig())
	sched := scheduler.New(store, 0, nil)
	comp := &SourcesComponent{Scheduler: sched}

	initial := SourcesConfig{Sources: []SourceEntry{
		{ID: "docs", Type: "web", Enabled: true, Schedule: "0 * * * *"},
		{ID: "disabled", Type: "web", Enabled: false, Schedule: "0 * * * *"},
	}}
	if err := comp.UpdateConfig(TypeSources, initial, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(comp.recurring) != 1 {
		t.Fatalf("expected exactly 1 recurring schedule, got %d", len(comp.recurring))
	}
	if _, ok := comp.recurring["docs"]; !ok {
		t.Fatal("expected a recurring schedule for the enabled source")
	}

	removed := SourcesConfig{Sources: []SourceEntry{
		{ID: "disabled", Type: "web", Enabled: false, Schedule: "0 * * * *"},
	}}
	if err := comp.UpdateConfig(TypeSources, removed, initial); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(comp.recurring) != 0 {
		t.Fatalf("expected the removed source's schedule to be cancelled, got %d remaining", len(comp.recurring))
	}
}
