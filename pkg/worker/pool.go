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

// Package worker implements the bounded-concurrency consumer (spec §4.C):
// it leases jobs from a job.Store, dispatches on kind to the Ingestion
// Processor, periodically reports progress, and acks or fails the lease.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ingestpipe/core/pkg/ingest"
	"github.com/ingestpipe/core/pkg/job"
	"github.com/ingestpipe/core/pkg/shared/errors"
	"github.com/ingestpipe/core/pkg/shared/logging"
	"github.com/ingestpipe/core/pkg/shared/metrics"

	"github.com/sirupsen/logrus"
)

// SinglePayload is the job.Job.Payload shape a KindSingle job carries.
type SinglePayload struct {
	Spec    ingest.SourceSpec
	Options ingest.Options
}

// BatchPayload is the job.Job.Payload shape a KindBatch job carries.
type BatchPayload struct {
	Specs   []ingest.SourceSpec
	Options ingest.Options
}

// Pool is the Worker Pool (spec §4.C): it maintains a bounded set of
// concurrent leases (size = current concurrency), each running lease ->
// dispatch -> progress -> ack/fail. Workers never mutate job fields
// directly; all state changes go through the Store API.
type Pool struct {
	store     job.Store
	processor *ingest.Processor
	log       *logrus.Logger

	sem         atomic.Pointer[semaphore.Weighted]
	concurrency atomic.Int64

	id string

	metrics *metrics.Metrics

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopDone chan struct{}
	stopOnce sync.Once
}

// SetMetrics wires a metrics collector in; nil disables instrumentation.
func (p *Pool) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// NewPool builds a Pool bounded to concurrency concurrent leases.
func NewPool(store job.Store, processor *ingest.Processor, concurrency int, log *logrus.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Pool{
		store:     store,
		processor: processor,
		log:       log,
		id:        fmt.Sprintf("pool-%p", new(int)),
		loopDone:  make(chan struct{}),
	}
	p.sem.Store(semaphore.NewWeighted(int64(concurrency)))
	p.concurrency.Store(int64(concurrency))
	return p
}

// SetConcurrency rebinds the pool's concurrency. Per spec §4.B, rebinding
// takes effect for subsequent leases; in-flight leases are unaffected.
// semaphore.Weighted has no resize operation and panics if Release is
// called for more than is currently held, so a rebind swaps in a fresh
// semaphore of the new size rather than adjusting the held weight of the
// existing one. loop reloads the current semaphore on every iteration and
// each in-flight goroutine releases against the instance it acquired from,
// so jobs already dispatched keep draining against the old semaphore while
// subsequent leases are bounded by the new one.
func (p *Pool) SetConcurrency(n int) {
	if n <= 0 {
		n = 1
	}
	p.concurrency.Store(int64(n))
	p.sem.Store(semaphore.NewWeighted(int64(n)))
}

// Start begins the lease loop in a background goroutine.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.loop(ctx)
}

func (p *Pool) loop(ctx context.Context) {
	defer close(p.loopDone)
	for {
		sem := p.sem.Load()
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		j, err := p.store.Lease(ctx, p.id, int(p.concurrency.Load()))
		if err != nil {
			sem.Release(1)
			return
		}
		p.wg.Add(1)
		go func(sem *semaphore.Weighted, j *job.Job) {
			defer p.wg.Done()
			defer sem.Release(1)
			p.dispatch(ctx, j)
		}(sem, j)
	}
}

func (p *Pool) dispatch(ctx context.Context, j *job.Job) {
	report := func(pct int) error { return p.store.Progress(j.ID, pct) }
	start := time.Now()

	switch j.Kind {
	case job.KindSingle:
		payload, ok := j.Payload.(SinglePayload)
		if !ok {
			p.fail(j.ID, start, "job payload does not match single-source shape", false)
			return
		}
		result, err := p.processor.ProcessSingle(ctx, payload.Spec, payload.Options, report)
		p.finish(j.ID, start, result, err)

	case job.KindBatch:
		payload, ok := j.Payload.(BatchPayload)
		if !ok {
			p.fail(j.ID, start, "job payload does not match batch shape", false)
			return
		}
		result, err := p.processor.ProcessBatch(ctx, payload.Specs, payload.Options, report)
		p.finish(j.ID, start, result, err)

	default:
		p.fail(j.ID, start, "unknown job kind "+string(j.Kind), false)
	}
}

func (p *Pool) finish(jobID string, start time.Time, result any, err error) {
	if err != nil {
		p.fail(jobID, start, err.Error(), errors.IsRetryable(err))
		return
	}
	if ackErr := p.store.Ack(jobID, result); ackErr != nil {
		p.log.WithFields(logging.NewFields().Component("worker").Operation("ack").Resource("job", jobID).Error(ackErr).ToLogrus()).Error("ack failed")
	}
	p.observeLease(start, "ack")
}

func (p *Pool) fail(jobID string, start time.Time, reason string, retryable bool) {
	if err := p.store.Fail(jobID, reason, retryable); err != nil {
		p.log.WithFields(logging.NewFields().Component("worker").Operation("fail").Resource("job", jobID).Error(err).ToLogrus()).Error("fail failed")
	}
	p.observeLease(start, "fail")
}

func (p *Pool) observeLease(start time.Time, outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.JobLeaseDuration.WithLabelValues(p.id, outcome).Observe(time.Since(start).Seconds())
	p.metrics.JobAttemptsTotal.WithLabelValues(p.id, outcome).Inc()
}

// Shutdown stops leasing, then waits (bounded by ctx) for in-flight jobs
// to finish before returning, mirroring the cancellable-context plus
// drain-deadline shutdown idiom (spec §4.C, §5).
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
	<-p.loopDone

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
