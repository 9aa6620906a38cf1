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

package job

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	sharedbackoff "github.com/ingestpipe/core/pkg/shared/backoff"
	"github.com/ingestpipe/core/pkg/shared/errors"
)

// Store is the Job Store & Queue contract (spec §4.B). Store is the
// synchronization hub: every lifecycle transition is an observable Event.
type Store interface {
	Enqueue(spec any, kind Kind, opts EnqueueOptions) (string, error)
	Lease(ctx context.Context, workerID string, maxConcurrent int) (*Job, error)
	Ack(jobID string, returnValue any) error
	Fail(jobID string, reason string, retryable bool) error
	Progress(jobID string, percent int) error
	Get(jobID string) (*Job, error)
	Remove(jobID string) error
	Retry(jobID string) error
	Pause()
	Resume()
	Clean(grace time.Duration)
	Stats() Stats
	Subscribe() (<-chan Event, func())
	Configure(cfg StoreConfig)
}

// StoreConfig holds the Job Store's config-mutable parameters (spec §4.B):
// default attempts-max, default backoff policy, retention caps, and the
// lease visibility timeout driving stall detection. Rebinding takes effect
// for subsequent enqueues/leases; in-flight leases are unaffected.
type StoreConfig struct {
	DefaultAttemptsMax int
	DefaultBackoff     BackoffPolicy
	RetainCompleted    int
	RetainFailed       int
	VisibilityTimeout  time.Duration
	StallThreshold     int
}

// DefaultStoreConfig matches spec §4.B's stated defaults (keep last 100
// completed, last 50 failed).
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DefaultAttemptsMax: 3,
		DefaultBackoff:     DefaultBackoffPolicy(),
		RetainCompleted:    100,
		RetainFailed:       50,
		VisibilityTimeout:  30 * time.Second,
		StallThreshold:     3,
	}
}

// MemoryStore is the in-process Store: a priority heap guarded by a mutex,
// with a condition variable for blocking Lease. Acceptable per the design
// note that in-memory implementations are acceptable only in tests; see
// RedisStore for the durable implementation.
type MemoryStore struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg StoreConfig

	waiting   jobHeap
	active    map[string]*Job
	completed []*Job // most recent last
	failed    []*Job // most recent last
	all       map[string]*Job

	paused bool

	bus *bus

	seq int
}

// NewMemoryStore constructs a MemoryStore with cfg's defaults.
func NewMemoryStore(cfg StoreConfig) *MemoryStore {
	s := &MemoryStore{
		cfg:     cfg,
		active:  make(map[string]*Job),
		all:     make(map[string]*Job),
		bus:     newBus(),
		waiting: jobHeap{},
	}
	s.cond = sync.NewCond(&s.mu)
	heap.Init(&s.waiting)
	return s
}

func (s *MemoryStore) Configure(cfg StoreConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *MemoryStore) Subscribe() (<-chan Event, func()) {
	return s.bus.Subscribe()
}

// Enqueue adds a new job in the waiting state.
func (s *MemoryStore) Enqueue(spec any, kind Kind, opts EnqueueOptions) (string, error) {
	if kind != KindSingle && kind != KindBatch {
		return "", errors.ValidationError("kind", "unknown job kind "+string(kind))
	}

	s.mu.Lock()
	attemptsMax := opts.AttemptsMax
	if attemptsMax <= 0 {
		attemptsMax = s.cfg.DefaultAttemptsMax
	}
	bp := opts.Backoff
	if bp == (BackoffPolicy{}) {
		bp = s.cfg.DefaultBackoff
	}

	now := time.Now()
	s.seq++
	j := &Job{
		ID:                uuid.NewString(),
		Kind:              kind,
		Payload:           spec,
		Priority:          opts.Priority,
		NotBefore:         now.Add(opts.Delay),
		AttemptsRemaining: attemptsMax,
		AttemptsMax:       attemptsMax,
		Backoff:           bp,
		State:             StateWaiting,
		CreatedAt:         now,
	}
	s.all[j.ID] = j
	heap.Push(&s.waiting, j)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.bus.publish(Event{Kind: EventAdded, JobID: j.ID})
	return j.ID, nil
}

// Lease blocks until a job is available (respecting maxConcurrent and
// pause state) or ctx is done, returning the leased job or an error.
func (s *MemoryStore) Lease(ctx context.Context, workerID string, maxConcurrent int) (*Job, error) {
	s.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if !s.paused && len(s.active) < maxConcurrent {
			now := time.Now()
			if j := s.popReady(now); j != nil {
				now2 := time.Now()
				j.State = StateActive
				j.StartedAt = &now2
				j.leaseID = uuid.NewString()
				j.leaseExpiresAt = now2.Add(s.cfg.VisibilityTimeout)
				j.workerID = workerID
				s.active[j.ID] = j
				s.mu.Unlock()
				s.bus.publish(Event{Kind: EventStarted, JobID: j.ID})
				return j.Clone(), nil
			}
		}
		s.waitWithContext(ctx)
	}
}

// waitWithContext blocks on s.cond until broadcast or ctx cancellation,
// reacquiring s.mu before returning (s.mu must be held on entry).
func (s *MemoryStore) waitWithContext(ctx context.Context) {
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
		close(done)
	}()
	// Bound the wait so delayed jobs becoming eligible are noticed even
	// without an explicit broadcast; a short poll interval is adequate for
	// the in-memory reference store.
	timer := time.AfterFunc(25*time.Millisecond, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	s.cond.Wait()
	timer.Stop()
	close(stop)
	<-done
}

// popReady removes and returns the highest-priority job eligible at now,
// or nil if none is eligible. Jobs skipped because they are not yet
// eligible are pushed back onto the heap unchanged.
func (s *MemoryStore) popReady(now time.Time) *Job {
	var held []*Job
	var result *Job
	for s.waiting.Len() > 0 {
		top := heap.Pop(&s.waiting).(*Job)
		if !top.NotBefore.After(now) {
			result = top
			break
		}
		held = append(held, top)
	}
	for _, h := range held {
		heap.Push(&s.waiting, h)
	}
	return result
}

func (s *MemoryStore) Ack(jobID string, returnValue any) error {
	s.mu.Lock()
	j, ok := s.active[jobID]
	if !ok {
		s.mu.Unlock()
		return errors.ValidationError("jobId", "no active lease for "+jobID)
	}
	delete(s.active, jobID)
	now := time.Now()
	j.State = StateCompleted
	j.Progress = 100
	j.FinishedAt = &now
	j.ReturnValue = returnValue
	j.ConsecutiveStalls = 0
	s.completed = append(s.completed, j)
	s.trimRetention()
	s.cond.Broadcast()
	s.mu.Unlock()

	s.bus.publish(Event{Kind: EventCompleted, JobID: jobID})
	return nil
}

func (s *MemoryStore) Fail(jobID string, reason string, retryable bool) error {
	s.mu.Lock()
	j, ok := s.active[jobID]
	if !ok {
		s.mu.Unlock()
		return errors.ValidationError("jobId", "no active lease for "+jobID)
	}
	delete(s.active, jobID)
	j.LastFailureReason = reason

	if retryable && j.AttemptsRemaining > 1 {
		j.AttemptsRemaining--
		attempt := j.AttemptsMax - j.AttemptsRemaining
		delay := sharedbackoff.Policy{
			Base:       j.Backoff.Base,
			Multiplier: j.Backoff.Multiplier,
			Cap:        j.Backoff.Cap,
			Jitter:     j.Backoff.Jitter,
		}.Next(attempt - 1)
		j.NotBefore = time.Now().Add(delay)
		j.State = StateWaiting
		j.Progress = 0
		j.StartedAt = nil
		heap.Push(&s.waiting, j)
		s.cond.Broadcast()
		s.mu.Unlock()
		s.bus.publish(Event{Kind: EventFailed, JobID: jobID, Reason: reason})
		return nil
	}

	j.AttemptsRemaining = 0
	now := time.Now()
	j.State = StateFailed
	j.FinishedAt = &now
	s.failed = append(s.failed, j)
	s.trimRetention()
	s.mu.Unlock()

	s.bus.publish(Event{Kind: EventFailed, JobID: jobID, Reason: reason})
	return nil
}

func (s *MemoryStore) Progress(jobID string, percent int) error {
	if percent < 0 || percent > 100 {
		return errors.ValidationError("percent", "must be within 0..100")
	}
	s.mu.Lock()
	j, ok := s.active[jobID]
	if !ok {
		s.mu.Unlock()
		return errors.ValidationError("jobId", "no active lease for "+jobID)
	}
	if percent < j.Progress {
		s.mu.Unlock()
		return errors.ValidationError("percent", "progress must be non-decreasing within a run")
	}
	j.Progress = percent
	j.ConsecutiveStalls = 0
	j.leaseExpiresAt = time.Now().Add(s.cfg.VisibilityTimeout)
	s.mu.Unlock()

	s.bus.publish(Event{Kind: EventProgress, JobID: jobID, Progress: percent})
	return nil
}

func (s *MemoryStore) Get(jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.all[jobID]
	if !ok {
		return nil, nil
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Remove(jobID string) error {
	s.mu.Lock()
	j, ok := s.all[jobID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.all, jobID)
	delete(s.active, jobID)
	s.waiting.removeByID(jobID)
	j.State = StateRemoved
	s.mu.Unlock()

	s.bus.publish(Event{Kind: EventRemoved, JobID: jobID})
	return nil
}

func (s *MemoryStore) Retry(jobID string) error {
	s.mu.Lock()
	j, ok := s.all[jobID]
	if !ok {
		s.mu.Unlock()
		return errors.ValidationError("jobId", "job "+jobID+" not found")
	}
	j.State = StateWaiting
	j.Progress = 0
	j.StartedAt = nil
	j.FinishedAt = nil
	j.AttemptsRemaining = j.AttemptsMax
	j.NotBefore = time.Now()
	delete(s.active, jobID)
	heap.Push(&s.waiting, j)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.bus.publish(Event{Kind: EventRetried, JobID: jobID})
	return nil
}

func (s *MemoryStore) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.bus.publish(Event{Kind: EventPaused})
}

func (s *MemoryStore) Resume() {
	s.mu.Lock()
	s.paused = false
	s.cond.Broadcast()
	s.mu.Unlock()
	s.bus.publish(Event{Kind: EventResumed})
}

// Clean evicts completed/failed records older than grace, beyond
// retention caps being independently enforced on every Ack/Fail.
func (s *MemoryStore) Clean(grace time.Duration) {
	s.mu.Lock()
	cutoff := time.Now().Add(-grace)
	s.completed = evictOlderThan(s.completed, cutoff, s.all)
	s.failed = evictOlderThan(s.failed, cutoff, s.all)
	s.mu.Unlock()
	s.bus.publish(Event{Kind: EventCleaned})
}

func evictOlderThan(records []*Job, cutoff time.Time, all map[string]*Job) []*Job {
	kept := records[:0:0]
	for _, j := range records {
		if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(all, j.ID)
			continue
		}
		kept = append(kept, j)
	}
	return kept
}

func (s *MemoryStore) trimRetention() {
	if len(s.completed) > s.cfg.RetainCompleted {
		overflow := len(s.completed) - s.cfg.RetainCompleted
		for _, j := range s.completed[:overflow] {
			delete(s.all, j.ID)
		}
		s.completed = s.completed[overflow:]
	}
	if len(s.failed) > s.cfg.RetainFailed {
		overflow := len(s.failed) - s.cfg.RetainFailed
		for _, j := range s.failed[:overflow] {
			delete(s.all, j.ID)
		}
		s.failed = s.failed[overflow:]
	}
}

func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Waiting:   s.waiting.Len(),
		Active:    len(s.active),
		Completed: len(s.completed),
		Failed:    len(s.failed),
	}
}

// CheckStalls scans active leases for expired visibility timeouts,
// returning jobs to waiting (or failing them beyond the stall threshold).
// The worker pool / a background ticker calls this periodically; the
// store does not run its own goroutine so tests control time explicitly.
func (s *MemoryStore) CheckStalls(now time.Time) {
	s.mu.Lock()
	var toStall, toFail []*Job
	for id, j := range s.active {
		if j.leaseExpiresAt.IsZero() || now.Before(j.leaseExpiresAt) {
			continue
		}
		j.ConsecutiveStalls++
		delete(s.active, id)
		if j.ConsecutiveStalls > s.cfg.StallThreshold {
			j.State = StateFailed
			j.LastFailureReason = string(errors.KindStalled)
			fin := now
			j.FinishedAt = &fin
			s.failed = append(s.failed, j)
			toFail = append(toFail, j)
		} else {
			j.State = StateWaiting
			j.Progress = 0
			j.StartedAt = nil
			heap.Push(&s.waiting, j)
			toStall = append(toStall, j)
		}
	}
	if len(toStall) > 0 || len(toFail) > 0 {
		s.trimRetention()
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	for _, j := range toStall {
		s.bus.publish(Event{Kind: EventStalled, JobID: j.ID})
	}
	for _, j := range toFail {
		s.bus.publish(Event{Kind: EventFailed, JobID: j.ID, Reason: string(errors.KindStalled)})
	}
}
