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

// Package scheduler is a thin façade over the Job Store (spec §4.E): it
// maps priority tags to integer priorities, validates batch submissions,
// holds recurring schedules and fires them on a ticker, coalesces
// overlapping submissions for the same source, and re-emits queue events
// upward alongside its own.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ingestpipe/core/pkg/ingest"
	"github.com/ingestpipe/core/pkg/job"
	"github.com/ingestpipe/core/pkg/shared/errors"
	"github.com/ingestpipe/core/pkg/shared/logging"
	"github.com/ingestpipe/core/pkg/worker"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PriorityTag is a named priority level mapped to an integer offset per
// spec §4.E.
type PriorityTag string

const (
	PriorityHigh   PriorityTag = "high"
	PriorityNormal PriorityTag = "normal"
	PriorityLow    PriorityTag = "low"
)

var priorityTagValues = map[PriorityTag]int{
	PriorityHigh:   10,
	PriorityNormal: 0,
	PriorityLow:    -10,
}

// ResolvePriority maps a priority tag (string or PriorityTag) to its
// integer offset, or passes an already-integer priority through unchanged.
func ResolvePriority(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return priorityTagValues[PriorityNormal], nil
	case int:
		return t, nil
	case PriorityTag:
		if n, ok := priorityTagValues[t]; ok {
			return n, nil
		}
		return 0, errors.ValidationError("priority", "unknown priority tag "+string(t))
	case string:
		if n, ok := priorityTagValues[PriorityTag(t)]; ok {
			return n, nil
		}
		return 0, errors.ValidationError("priority", "unknown priority tag "+t)
	default:
		return 0, errors.ValidationError("priority", "priority must be an int or one of high/normal/low")
	}
}

// Recurring is one registered recurring schedule.
type Recurring struct {
	ID       string
	Spec     ingest.SourceSpec
	Options  ingest.Options
	Priority any
	Cron     *cronSchedule
	NextRun  time.Time
	Active   bool
}

// Scheduler is the façade over a job.Store described by spec §4.E.
type Scheduler struct {
	store job.Store
	log   *logrus.Logger
	bus   *bus

	tickInterval time.Duration

	mu        sync.Mutex
	recurring map[string]*Recurring
	// activeSource tracks the job currently outstanding (waiting or active)
	// for a given source id, so overlapping submissions can be coalesced.
	activeSource map[string]string

	cancel    context.CancelFunc
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Scheduler over store. tickInterval controls how often
// recurring schedules are checked; zero selects a 1s default.
func New(store job.Store, tickInterval time.Duration, log *logrus.Logger) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		store:        store,
		log:          log,
		bus:          newBus(),
		tickInterval: tickInterval,
		recurring:    make(map[string]*Recurring),
		activeSource: make(map[string]string),
		done:         make(chan struct{}),
	}
}

// Subscribe returns a channel of Scheduler events (including re-emitted
// queue events) and an unsubscribe function.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	return s.bus.Subscribe()
}

// Start begins relaying store events and ticking recurring schedules.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.relayLoop(ctx)
	go s.tickLoop(ctx)
}

// Stop cancels the relay and tick loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	<-s.done
}

func (s *Scheduler) relayLoop(ctx context.Context) {
	ch, unsubscribe := s.store.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			s.markDone()
			return
		case e, ok := <-ch:
			if !ok {
				s.markDone()
				return
			}
			s.onQueueEvent(e)
		}
	}
}

func (s *Scheduler) markDone() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Scheduler) onQueueEvent(e job.Event) {
	s.mu.Lock()
	switch e.Kind {
	case job.EventCompleted, job.EventFailed, job.EventRemoved:
		for src, jobID := range s.activeSource {
			if jobID == e.JobID {
				delete(s.activeSource, src)
				break
			}
		}
	}
	s.mu.Unlock()

	s.bus.publish(Event{Kind: EventQueue, JobID: e.JobID, Queue: &e})
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(now)
		}
	}
}

func (s *Scheduler) fireDue(now time.Time) {
	s.mu.Lock()
	var due []*Recurring
	for _, r := range s.recurring {
		if r.Active && !now.Before(r.NextRun) {
			due = append(due, r)
		}
	}
	s.mu.Unlock()

	for _, r := range due {
		jobID, err := s.SubmitSingle(r.Spec, r.Priority, 0, r.Options)
		if err != nil {
			s.log.WithFields(logging.NewFields().Component("scheduler").Operation("fire_recurring").Resource("schedule", r.ID).Error(err).ToLogrus()).Warn("recurring schedule submission failed")
		} else if jobID != "" {
			s.bus.publish(Event{Kind: EventScheduleFired, ScheduleID: r.ID, SourceID: r.Spec.ID, JobID: jobID})
		} else {
			s.bus.publish(Event{Kind: EventScheduleCoalesced, ScheduleID: r.ID, SourceID: r.Spec.ID})
		}

		next, err := r.Cron.Next(now)
		s.mu.Lock()
		if err != nil {
			s.log.WithFields(logging.NewFields().Component("scheduler").Operation("compute_next_run").Resource("schedule", r.ID).Error(err).ToLogrus()).Error("disabling schedule with unreachable next run")
			r.Active = false
		} else {
			r.NextRun = next
		}
		s.mu.Unlock()
	}
}

// SubmitSingle enqueues one single-source ingestion job, applying priority
// resolution and source-level coalescing: if an active or waiting job for
// spec.ID already exists, the submission is dropped and "" is returned
// with a nil error.
func (s *Scheduler) SubmitSingle(spec ingest.SourceSpec, priority any, delay time.Duration, opts ingest.Options) (string, error) {
	if spec.ID == "" {
		return "", errors.ValidationError("spec.id", "source id must not be empty")
	}
	p, err := ResolvePriority(priority)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if _, busy := s.activeSource[spec.ID]; busy {
		s.mu.Unlock()
		return "", nil
	}
	s.mu.Unlock()

	jobID, err := s.store.Enqueue(worker.SinglePayload{Spec: spec, Options: opts}, job.KindSingle, job.EnqueueOptions{
		Priority: p,
		Delay:    delay,
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.activeSource[spec.ID] = jobID
	s.mu.Unlock()
	return jobID, nil
}

// SubmitBatch enqueues a batch ingestion job covering specs, which must be
// non-empty (spec §4.E).
func (s *Scheduler) SubmitBatch(specs []ingest.SourceSpec, priority any, delay time.Duration, opts ingest.Options) (string, error) {
	if len(specs) == 0 {
		return "", errors.ValidationError("sources", "batch source list must not be empty")
	}
	p, err := ResolvePriority(priority)
	if err != nil {
		return "", err
	}
	return s.store.Enqueue(worker.BatchPayload{Specs: specs, Options: opts}, job.KindBatch, job.EnqueueOptions{
		Priority: p,
		Delay:    delay,
	})
}

// RegisterRecurring parses expression and registers a recurring schedule
// that fires spec as a single-source submission whenever now >= next-run.
func (s *Scheduler) RegisterRecurring(spec ingest.SourceSpec, expression string, priority any, opts ingest.Options) (string, error) {
	cs, err := ParseCron(expression)
	if err != nil {
		return "", err
	}
	next, err := cs.Next(time.Now())
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	r := &Recurring{
		ID:       id,
		Spec:     spec,
		Options:  opts,
		Priority: priority,
		Cron:     cs,
		NextRun:  next,
		Active:   true,
	}

	s.mu.Lock()
	s.recurring[id] = r
	s.mu.Unlock()

	s.bus.publish(Event{Kind: EventScheduleCreated, ScheduleID: id, SourceID: spec.ID})
	return id, nil
}

// CancelRecurring cooperatively disables a recurring schedule: the tick
// loop simply skips inactive schedules on its next pass rather than the
// registration being removed out from under a concurrent fireDue call.
func (s *Scheduler) CancelRecurring(id string) error {
	s.mu.Lock()
	r, ok := s.recurring[id]
	if !ok {
		s.mu.Unlock()
		return errors.ValidationError("scheduleId", "no recurring schedule "+id)
	}
	r.Active = false
	s.mu.Unlock()

	s.bus.publish(Event{Kind: EventScheduleCancelled, ScheduleID: id, SourceID: r.Spec.ID})
	return nil
}

// GetRecurring returns a copy of the recurring schedule's current state.
func (s *Scheduler) GetRecurring(id string) (Recurring, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recurring[id]
	if !ok {
		return Recurring{}, false
	}
	return *r, true
}
