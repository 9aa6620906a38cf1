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
	"time"

	"github.com/ingestpipe/core/pkg/gateway"
	"github.com/ingestpipe/core/pkg/ingest"
	"github.com/ingestpipe/core/pkg/job"
)

// ToSourceSpec maps a sources.yaml entry onto the shape the Ingestion
// Processor and Scheduler operate on (spec §6/§4.A).
func (e SourceEntry) ToSourceSpec() ingest.SourceSpec {
	return ingest.SourceSpec{
		ID:         e.ID,
		Type:       e.Type,
		Name:       e.Name,
		Enabled:    e.Enabled,
		Visibility: e.Visibility,
		Schedule:   e.Schedule,
		Config:     e.Config,
	}
}

// ToGatewayConfig maps provider.yaml's failover block onto the gateway's
// FailoverConfig (SPEC_FULL.md §6).
func (p ProviderConfig) ToGatewayConfig() gateway.FailoverConfig {
	f := p.Failover
	return gateway.FailoverConfig{
		CircuitBreakerThreshold: f.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   time.Duration(f.CircuitBreakerTimeoutMS) * time.Millisecond,
		HealthCheckInterval:     time.Duration(f.HealthCheckIntervalMS) * time.Millisecond,
		MaxRetries:              f.MaxRetries,
		BaseRetryDelay:          time.Duration(f.BaseRetryDelayMS) * time.Millisecond,
		MaxRetryDelay:           time.Duration(f.MaxRetryDelayMS) * time.Millisecond,
		RetryMultiplier:         f.RetryMultiplier,
		DefaultWeight:           f.DefaultWeight,
		PerformanceWeight:       f.PerformanceWeight,
		CostWeight:              f.CostWeight,
		ReliabilityWeight:       f.ReliabilityWeight,
		CostCap:                 1,
	}
}

// ToStoreConfig maps ingestion.yaml's maxRetries onto the job store's
// default attempt count (maxRetries+1); every other StoreConfig field keeps
// base's value. Worker concurrency is not set here: it comes from
// queue.yaml's named queue settings via QueueConfig.Concurrency.
func (i IngestionConfig) ToStoreConfig(base job.StoreConfig) job.StoreConfig {
	cfg := base
	cfg.DefaultAttemptsMax = i.MaxRetries + 1
	return cfg
}

// Concurrency returns the concurrency the worker pool should run at for
// queueName, or fallback if queueName is not configured.
func (q QueueConfig) Concurrency(queueName string, fallback int) int {
	if s, ok := q.Queues[queueName]; ok {
		return s.Concurrency
	}
	return fallback
}
