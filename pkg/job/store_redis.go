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
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	sharedbackoff "github.com/ingestpipe/core/pkg/shared/backoff"
	"github.com/ingestpipe/core/pkg/shared/errors"
)

// RedisStore is the durable Store implementation: jobs live in Redis
// hashes, the waiting queue is a sorted set keyed for priority+eligibility
// order, and lifecycle events fan out over a Pub/Sub channel in addition
// to the local in-process bus (so a single-process caller can Subscribe
// without a Redis round trip). This is the implementation that satisfies
// "the Job Store must persist across restarts" (spec §9).
//
// Score encoding: members of the waiting set are scored
// -priority*priorityScale + notBeforeUnixMilli, so ZRANGE ascending
// visits highest-priority-first, earliest-eligible-next. priorityScale
// is chosen large enough that any plausible priority spread dominates the
// millisecond timestamp; within an identical (priority, notBefore) pair,
// FIFO tie-break degrades to Redis' lexicographic member (job id) ordering
// rather than strict CreatedAt order — acceptable for the priority/delay spreads this
// module's callers use (tag-mapped priorities, second-or-coarser delays).
type RedisStore struct {
	client *redis.Client
	prefix string
	ctx    context.Context

	mu  sync.Mutex
	cfg StoreConfig

	bus *bus

	pauseOnce sync.Once
	stopSub   context.CancelFunc
}

const priorityScale = 1e15

type jobRecord struct {
	ID                string
	Kind              Kind
	Payload           json.RawMessage
	Priority          int
	NotBefore         time.Time
	AttemptsRemaining int
	AttemptsMax       int
	Backoff           BackoffPolicy
	State             State
	Progress          int
	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	LastFailureReason string
	ReturnValue       json.RawMessage
	ConsecutiveStalls int
	LeaseID           string
	LeaseExpiresAt    time.Time
	WorkerID          string
}

// NewRedisStore constructs a RedisStore. prefix namespaces all keys so
// multiple queues can share one Redis instance.
func NewRedisStore(client *redis.Client, prefix string, cfg StoreConfig) *RedisStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisStore{
		client:  client,
		prefix:  prefix,
		ctx:     context.Background(),
		cfg:     cfg,
		bus:     newBus(),
		stopSub: cancel,
	}
	go s.relayRedisEvents(ctx)
	return s
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) jobKey(id string) string { return s.key("job", id) }
func (s *RedisStore) waitingKey() string      { return s.key("waiting") }
func (s *RedisStore) activeKey() string       { return s.key("active") }
func (s *RedisStore) completedKey() string    { return s.key("completed") }
func (s *RedisStore) failedKey() string       { return s.key("failed") }
func (s *RedisStore) pauseKey() string        { return s.key("paused") }
func (s *RedisStore) eventsChannel() string   { return s.key("events") }

func (s *RedisStore) Configure(cfg StoreConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *RedisStore) Subscribe() (<-chan Event, func()) {
	return s.bus.Subscribe()
}

func score(priority int, notBefore time.Time) float64 {
	return float64(-priority)*priorityScale + float64(notBefore.UnixMilli())
}

func (s *RedisStore) Enqueue(spec any, kind Kind, opts EnqueueOptions) (string, error) {
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
	s.mu.Unlock()

	payload, err := json.Marshal(spec)
	if err != nil {
		return "", errors.FailedTo("marshal job payload", err)
	}

	now := time.Now()
	rec := &jobRecord{
		ID:                uuid.NewString(),
		Kind:              kind,
		Payload:           payload,
		Priority:          opts.Priority,
		NotBefore:         now.Add(opts.Delay),
		AttemptsRemaining: attemptsMax,
		AttemptsMax:       attemptsMax,
		Backoff:           bp,
		State:             StateWaiting,
		CreatedAt:         now,
	}
	if err := s.saveRecord(rec); err != nil {
		return "", err
	}
	if err := s.client.ZAdd(s.ctx, s.waitingKey(), redis.Z{Score: score(rec.Priority, rec.NotBefore), Member: rec.ID}).Err(); err != nil {
		return "", errors.DatabaseError("enqueue job", err)
	}

	s.publish(Event{Kind: EventAdded, JobID: rec.ID})
	return rec.ID, nil
}

func (s *RedisStore) saveRecord(rec *jobRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return errors.FailedTo("marshal job record", err)
	}
	if err := s.client.HSet(s.ctx, s.jobKey(rec.ID), "data", blob).Err(); err != nil {
		return errors.DatabaseError("save job record", err)
	}
	return nil
}

func (s *RedisStore) loadRecord(id string) (*jobRecord, error) {
	blob, err := s.client.HGet(s.ctx, s.jobKey(id), "data").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError("load job record", err)
	}
	var rec jobRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, errors.ParseError("job record", "JSON", err)
	}
	return &rec, nil
}

func (rec *jobRecord) toJob() *Job {
	var ret any
	if len(rec.ReturnValue) > 0 {
		_ = json.Unmarshal(rec.ReturnValue, &ret)
	}
	var payload any
	if len(rec.Payload) > 0 {
		_ = json.Unmarshal(rec.Payload, &payload)
	}
	return &Job{
		ID:                rec.ID,
		Kind:              rec.Kind,
		Payload:           payload,
		Priority:          rec.Priority,
		NotBefore:         rec.NotBefore,
		AttemptsRemaining: rec.AttemptsRemaining,
		AttemptsMax:       rec.AttemptsMax,
		Backoff:           rec.Backoff,
		State:             rec.State,
		Progress:          rec.Progress,
		CreatedAt:         rec.CreatedAt,
		StartedAt:         rec.StartedAt,
		FinishedAt:        rec.FinishedAt,
		LastFailureReason: rec.LastFailureReason,
		ReturnValue:       ret,
		ConsecutiveStalls: rec.ConsecutiveStalls,
	}
}

// claimScript atomically removes a member from the waiting set iff it is
// still present, so concurrent workers racing the same scan never both
// claim one job.
var claimScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	redis.call("ZREM", KEYS[1], ARGV[1])
	return 1
end
return 0
`)

func (s *RedisStore) Lease(ctx context.Context, workerID string, maxConcurrent int) (*Job, error) {
	const scanPage = 50
	const pollInterval = 100 * time.Millisecond

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		paused, err := s.client.Get(s.ctx, s.pauseKey()).Bool()
		if err != nil && err != redis.Nil {
			return nil, errors.DatabaseError("read pause flag", err)
		}
		active, err := s.client.ZCard(s.ctx, s.activeKey()).Result()
		if err != nil {
			return nil, errors.DatabaseError("count active leases", err)
		}

		if !paused && active < int64(maxConcurrent) {
			if j, err := s.tryClaimReady(workerID, scanPage); err != nil {
				return nil, err
			} else if j != nil {
				return j, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *RedisStore) tryClaimReady(workerID string, scanPage int) (*Job, error) {
	now := time.Now()
	ids, err := s.client.ZRangeWithScores(s.ctx, s.waitingKey(), 0, int64(scanPage-1)).Result()
	if err != nil {
		return nil, errors.DatabaseError("scan waiting set", err)
	}
	for _, z := range ids {
		id, _ := z.Member.(string)
		rec, err := s.loadRecord(id)
		if err != nil || rec == nil {
			continue
		}
		if rec.NotBefore.After(now) {
			continue
		}
		claimed, err := claimScript.Run(s.ctx, s.client, []string{s.waitingKey()}, id).Int()
		if err != nil {
			return nil, errors.DatabaseError("claim job", err)
		}
		if claimed == 0 {
			continue // another worker claimed it first
		}

		startedAt := now
		s.mu.Lock()
		vis := s.cfg.VisibilityTimeout
		s.mu.Unlock()
		rec.State = StateActive
		rec.StartedAt = &startedAt
		rec.LeaseID = uuid.NewString()
		rec.LeaseExpiresAt = now.Add(vis)
		rec.WorkerID = workerID
		if err := s.saveRecord(rec); err != nil {
			return nil, err
		}
		if err := s.client.ZAdd(s.ctx, s.activeKey(), redis.Z{Score: float64(rec.LeaseExpiresAt.UnixMilli()), Member: id}).Err(); err != nil {
			return nil, errors.DatabaseError("track active lease", err)
		}
		s.publish(Event{Kind: EventStarted, JobID: id})
		return rec.toJob(), nil
	}
	return nil, nil
}

func (s *RedisStore) Ack(jobID string, returnValue any) error {
	rec, err := s.loadRecord(jobID)
	if err != nil {
		return err
	}
	if rec == nil || rec.State != StateActive {
		return errors.ValidationError("jobId", "no active lease for "+jobID)
	}
	blob, err := json.Marshal(returnValue)
	if err != nil {
		return errors.FailedTo("marshal return value", err)
	}
	now := time.Now()
	rec.State = StateCompleted
	rec.Progress = 100
	rec.FinishedAt = &now
	rec.ReturnValue = blob
	rec.ConsecutiveStalls = 0
	if err := s.saveRecord(rec); err != nil {
		return err
	}
	if err := s.client.ZRem(s.ctx, s.activeKey(), jobID).Err(); err != nil {
		return errors.DatabaseError("clear active lease", err)
	}
	if err := s.client.ZAdd(s.ctx, s.completedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: jobID}).Err(); err != nil {
		return errors.DatabaseError("record completion", err)
	}
	s.trimRetention(s.completedKey(), s.retainCompleted())

	s.publish(Event{Kind: EventCompleted, JobID: jobID})
	return nil
}

func (s *RedisStore) Fail(jobID string, reason string, retryable bool) error {
	rec, err := s.loadRecord(jobID)
	if err != nil {
		return err
	}
	if rec == nil || rec.State != StateActive {
		return errors.ValidationError("jobId", "no active lease for "+jobID)
	}
	rec.LastFailureReason = reason

	if err := s.client.ZRem(s.ctx, s.activeKey(), jobID).Err(); err != nil {
		return errors.DatabaseError("clear active lease", err)
	}

	if retryable && rec.AttemptsRemaining > 1 {
		rec.AttemptsRemaining--
		attempt := rec.AttemptsMax - rec.AttemptsRemaining
		delay := sharedbackoff.Policy{
			Base:       rec.Backoff.Base,
			Multiplier: rec.Backoff.Multiplier,
			Cap:        rec.Backoff.Cap,
			Jitter:     rec.Backoff.Jitter,
		}.Next(attempt - 1)
		rec.NotBefore = time.Now().Add(delay)
		rec.State = StateWaiting
		rec.Progress = 0
		rec.StartedAt = nil
		if err := s.saveRecord(rec); err != nil {
			return err
		}
		if err := s.client.ZAdd(s.ctx, s.waitingKey(), redis.Z{Score: score(rec.Priority, rec.NotBefore), Member: jobID}).Err(); err != nil {
			return errors.DatabaseError("requeue job", err)
		}
		s.publish(Event{Kind: EventFailed, JobID: jobID, Reason: reason})
		return nil
	}

	rec.AttemptsRemaining = 0
	now := time.Now()
	rec.State = StateFailed
	rec.FinishedAt = &now
	if err := s.saveRecord(rec); err != nil {
		return err
	}
	if err := s.client.ZAdd(s.ctx, s.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: jobID}).Err(); err != nil {
		return errors.DatabaseError("record failure", err)
	}
	s.trimRetention(s.failedKey(), s.retainFailed())

	s.publish(Event{Kind: EventFailed, JobID: jobID, Reason: reason})
	return nil
}

func (s *RedisStore) Progress(jobID string, percent int) error {
	if percent < 0 || percent > 100 {
		return errors.ValidationError("percent", "must be within 0..100")
	}
	rec, err := s.loadRecord(jobID)
	if err != nil {
		return err
	}
	if rec == nil || rec.State != StateActive {
		return errors.ValidationError("jobId", "no active lease for "+jobID)
	}
	if percent < rec.Progress {
		return errors.ValidationError("percent", "progress must be non-decreasing within a run")
	}
	s.mu.Lock()
	vis := s.cfg.VisibilityTimeout
	s.mu.Unlock()

	rec.Progress = percent
	rec.ConsecutiveStalls = 0
	rec.LeaseExpiresAt = time.Now().Add(vis)
	if err := s.saveRecord(rec); err != nil {
		return err
	}
	if err := s.client.ZAdd(s.ctx, s.activeKey(), redis.Z{Score: float64(rec.LeaseExpiresAt.UnixMilli()), Member: jobID}).Err(); err != nil {
		return errors.DatabaseError("extend lease visibility", err)
	}

	s.publish(Event{Kind: EventProgress, JobID: jobID, Progress: percent})
	return nil
}

func (s *RedisStore) Get(jobID string) (*Job, error) {
	rec, err := s.loadRecord(jobID)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.toJob(), nil
}

func (s *RedisStore) Remove(jobID string) error {
	pipe := s.client.Pipeline()
	pipe.ZRem(s.ctx, s.waitingKey(), jobID)
	pipe.ZRem(s.ctx, s.activeKey(), jobID)
	pipe.Del(s.ctx, s.jobKey(jobID))
	if _, err := pipe.Exec(s.ctx); err != nil {
		return errors.DatabaseError("remove job", err)
	}
	s.publish(Event{Kind: EventRemoved, JobID: jobID})
	return nil
}

func (s *RedisStore) Retry(jobID string) error {
	rec, err := s.loadRecord(jobID)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.ValidationError("jobId", "job "+jobID+" not found")
	}
	rec.State = StateWaiting
	rec.Progress = 0
	rec.StartedAt = nil
	rec.FinishedAt = nil
	rec.AttemptsRemaining = rec.AttemptsMax
	rec.NotBefore = time.Now()
	if err := s.saveRecord(rec); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.ZRem(s.ctx, s.activeKey(), jobID)
	pipe.ZAdd(s.ctx, s.waitingKey(), redis.Z{Score: score(rec.Priority, rec.NotBefore), Member: jobID})
	if _, err := pipe.Exec(s.ctx); err != nil {
		return errors.DatabaseError("retry job", err)
	}
	s.publish(Event{Kind: EventRetried, JobID: jobID})
	return nil
}

func (s *RedisStore) Pause() {
	s.client.Set(s.ctx, s.pauseKey(), true, 0)
	s.publish(Event{Kind: EventPaused})
}

func (s *RedisStore) Resume() {
	s.client.Set(s.ctx, s.pauseKey(), false, 0)
	s.publish(Event{Kind: EventResumed})
}

func (s *RedisStore) Clean(grace time.Duration) {
	cutoff := float64(time.Now().Add(-grace).UnixMilli())
	s.client.ZRemRangeByScore(s.ctx, s.completedKey(), "-inf", fmt.Sprintf("%f", cutoff))
	s.client.ZRemRangeByScore(s.ctx, s.failedKey(), "-inf", fmt.Sprintf("%f", cutoff))
	s.publish(Event{Kind: EventCleaned})
}

func (s *RedisStore) trimRetention(key string, cap int64) {
	total, err := s.client.ZCard(s.ctx, key).Result()
	if err != nil || total <= cap {
		return
	}
	s.client.ZRemRangeByRank(s.ctx, key, 0, total-cap-1)
}

func (s *RedisStore) retainCompleted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.cfg.RetainCompleted)
}

func (s *RedisStore) retainFailed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.cfg.RetainFailed)
}

func (s *RedisStore) Stats() Stats {
	waiting, _ := s.client.ZCard(s.ctx, s.waitingKey()).Result()
	active, _ := s.client.ZCard(s.ctx, s.activeKey()).Result()
	completed, _ := s.client.ZCard(s.ctx, s.completedKey()).Result()
	failed, _ := s.client.ZCard(s.ctx, s.failedKey()).Result()
	return Stats{
		Waiting:   int(waiting),
		Active:    int(active),
		Completed: int(completed),
		Failed:    int(failed),
	}
}

// publish sends an event over the Redis channel; relayRedisEvents (started
// in NewRedisStore) delivers it back into this process's local bus, same
// as it does for events published by other processes sharing the channel.
// Not calling s.bus.publish directly here avoids double-delivery to this
// process's own Subscribe() callers.
func (s *RedisStore) publish(e Event) {
	if blob, err := json.Marshal(e); err == nil {
		s.client.Publish(s.ctx, s.eventsChannel(), blob)
	}
}

// relayRedisEvents forwards events published on the shared channel
// (by this process or others) into this process's local bus.
func (s *RedisStore) relayRedisEvents(ctx context.Context) {
	pubsub := s.client.Subscribe(ctx, s.eventsChannel())
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Event
			if json.Unmarshal([]byte(msg.Payload), &e) == nil {
				s.bus.publish(e)
			}
		}
	}
}

// Close stops the Redis Pub/Sub relay goroutine.
func (s *RedisStore) Close() {
	s.pauseOnce.Do(func() {
		s.stopSub()
	})
}
