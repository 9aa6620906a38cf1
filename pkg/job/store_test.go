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
	"testing"
	"time"
)

func newTestStore() *MemoryStore {
	cfg := DefaultStoreConfig()
	cfg.VisibilityTimeout = time.Hour
	return NewMemoryStore(cfg)
}

func TestEnqueue_UnknownKindRejected(t *testing.T) {
	s := newTestStore()
	if _, err := s.Enqueue(nil, Kind("bogus"), EnqueueOptions{}); err == nil {
		t.Fatal("Enqueue() with unknown kind should fail")
	}
}

func TestPriorityPreemption(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	lowID, _ := s.Enqueue("low", KindSingle, EnqueueOptions{Priority: -10})
	highID, _ := s.Enqueue("high", KindSingle, EnqueueOptions{Priority: 10})

	j1, err := s.Lease(ctx, "w1", 2)
	if err != nil {
		t.Fatalf("Lease() error: %v", err)
	}
	if j1.ID != highID {
		t.Fatalf("expected high-priority job leased first, got %s (want %s)", j1.ID, highID)
	}

	j2, err := s.Lease(ctx, "w2", 2)
	if err != nil {
		t.Fatalf("Lease() error: %v", err)
	}
	if j2.ID != lowID {
		t.Fatalf("expected low-priority job leased second, got %s (want %s)", j2.ID, lowID)
	}

	if err := s.Ack(j1.ID, "done"); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}
	if err := s.Ack(j2.ID, "done"); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}

	stats := s.Stats()
	if stats.Completed != 2 {
		t.Errorf("Stats().Completed = %d, want 2", stats.Completed)
	}
}

func TestFIFOWithinEqualPriority(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	firstID, _ := s.Enqueue("first", KindSingle, EnqueueOptions{Priority: 0})
	time.Sleep(time.Millisecond)
	secondID, _ := s.Enqueue("second", KindSingle, EnqueueOptions{Priority: 0})

	j1, _ := s.Lease(ctx, "w1", 2)
	j2, _ := s.Lease(ctx, "w2", 2)

	if j1.ID != firstID || j2.ID != secondID {
		t.Fatalf("expected FIFO order %s,%s got %s,%s", firstID, secondID, j1.ID, j2.ID)
	}
}

func TestLease_RespectsMaxConcurrent(t *testing.T) {
	s := newTestStore()
	s.Enqueue("a", KindSingle, EnqueueOptions{})
	s.Enqueue("b", KindSingle, EnqueueOptions{})

	ctx := context.Background()
	j1, err := s.Lease(ctx, "w1", 1)
	if err != nil || j1 == nil {
		t.Fatalf("expected first lease to succeed, err=%v", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = s.Lease(ctx2, "w2", 1)
	if err == nil {
		t.Fatal("expected second lease to block until context deadline since maxConcurrent=1")
	}
}

func TestAckCompletesJob(t *testing.T) {
	s := newTestStore()
	id, _ := s.Enqueue("x", KindSingle, EnqueueOptions{})
	j, _ := s.Lease(context.Background(), "w1", 1)
	if j.ID != id {
		t.Fatalf("leased wrong job")
	}
	if err := s.Ack(id, map[string]any{"ok": true}); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.State != StateCompleted || got.Progress != 100 {
		t.Errorf("expected completed/100, got state=%s progress=%d", got.State, got.Progress)
	}
}

func TestFail_RetryableRequeuesWithBackoff(t *testing.T) {
	s := newTestStore()
	id, _ := s.Enqueue("x", KindSingle, EnqueueOptions{
		AttemptsMax: 3,
		Backoff:     BackoffPolicy{Base: 10 * time.Millisecond, Multiplier: 2, Cap: time.Second, Jitter: 0},
	})

	ctx := context.Background()
	j, _ := s.Lease(ctx, "w1", 1)
	if j.ID != id {
		t.Fatal("leased wrong job")
	}
	if err := s.Fail(id, "network error", true); err != nil {
		t.Fatalf("Fail() error: %v", err)
	}

	got, _ := s.Get(id)
	if got.State != StateWaiting {
		t.Fatalf("expected job to return to waiting, got %s", got.State)
	}
	if got.AttemptsRemaining != 2 {
		t.Errorf("AttemptsRemaining = %d, want 2", got.AttemptsRemaining)
	}
	if !got.NotBefore.After(time.Now()) {
		t.Errorf("NotBefore = %v, want a time in the near future (not immediately eligible)", got.NotBefore)
	}
}

func TestFail_NonRetryableFailsImmediately(t *testing.T) {
	s := newTestStore()
	id, _ := s.Enqueue("x", KindSingle, EnqueueOptions{AttemptsMax: 3})
	s.Lease(context.Background(), "w1", 1)
	if err := s.Fail(id, "validation", false); err != nil {
		t.Fatalf("Fail() error: %v", err)
	}
	got, _ := s.Get(id)
	if got.State != StateFailed {
		t.Errorf("expected failed, got %s", got.State)
	}
	if got.AttemptsRemaining != 0 {
		t.Errorf("AttemptsRemaining = %d, want 0", got.AttemptsRemaining)
	}
}

func TestFail_ExhaustsAttempts(t *testing.T) {
	s := newTestStore()
	id, _ := s.Enqueue("x", KindSingle, EnqueueOptions{
		AttemptsMax: 1,
		Backoff:     BackoffPolicy{Base: time.Millisecond, Multiplier: 2, Cap: time.Second},
	})
	s.Lease(context.Background(), "w1", 1)
	if err := s.Fail(id, "network", true); err != nil {
		t.Fatalf("Fail() error: %v", err)
	}
	got, _ := s.Get(id)
	if got.State != StateFailed {
		t.Errorf("attempts-max=1 should fail on first retryable failure, got %s", got.State)
	}
}

func TestProgress_MustBeNonDecreasing(t *testing.T) {
	s := newTestStore()
	id, _ := s.Enqueue("x", KindSingle, EnqueueOptions{})
	s.Lease(context.Background(), "w1", 1)

	if err := s.Progress(id, 25); err != nil {
		t.Fatalf("Progress() error: %v", err)
	}
	if err := s.Progress(id, 10); err == nil {
		t.Error("expected Progress() to reject a decreasing value")
	}
	if err := s.Progress(id, 50); err != nil {
		t.Fatalf("Progress() error: %v", err)
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore()
	id, _ := s.Enqueue("x", KindSingle, EnqueueOptions{})
	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != nil {
		t.Errorf("Get() after Remove() = %+v, want nil", got)
	}
}

func TestRetry_ResetsAttempts(t *testing.T) {
	s := newTestStore()
	id, _ := s.Enqueue("x", KindSingle, EnqueueOptions{AttemptsMax: 2})
	s.Lease(context.Background(), "w1", 1)
	s.Fail(id, "bad", false)

	if err := s.Retry(id); err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	got, _ := s.Get(id)
	if got.State != StateWaiting || got.AttemptsRemaining != 2 {
		t.Errorf("Retry() should reset to waiting with full attempts, got state=%s attemptsRemaining=%d", got.State, got.AttemptsRemaining)
	}
}

func TestPauseResume(t *testing.T) {
	s := newTestStore()
	s.Enqueue("x", KindSingle, EnqueueOptions{})
	s.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Lease(ctx, "w1", 1); err == nil {
		t.Fatal("expected Lease() to block while paused")
	}

	s.Resume()
	j, err := s.Lease(context.Background(), "w1", 1)
	if err != nil || j == nil {
		t.Fatalf("expected Lease() to succeed after Resume(), err=%v", err)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore()
	s.Enqueue("a", KindSingle, EnqueueOptions{})
	s.Enqueue("b", KindSingle, EnqueueOptions{})
	j, _ := s.Lease(context.Background(), "w1", 1)
	s.Ack(j.ID, nil)

	stats := s.Stats()
	if stats.Waiting != 1 {
		t.Errorf("Waiting = %d, want 1", stats.Waiting)
	}
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", stats.Completed)
	}
}

func TestCheckStalls_RequeuesBeforeThreshold(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.VisibilityTimeout = time.Millisecond
	cfg.StallThreshold = 2
	s := NewMemoryStore(cfg)
	id, _ := s.Enqueue("x", KindSingle, EnqueueOptions{})
	s.Lease(context.Background(), "w1", 1)

	s.CheckStalls(time.Now().Add(time.Second))
	got, _ := s.Get(id)
	if got.State != StateWaiting {
		t.Fatalf("expected job to be requeued after one stall, got %s", got.State)
	}
	if got.ConsecutiveStalls != 1 {
		t.Errorf("ConsecutiveStalls = %d, want 1", got.ConsecutiveStalls)
	}
}

func TestCheckStalls_FailsBeyondThreshold(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.VisibilityTimeout = time.Millisecond
	cfg.StallThreshold = 1
	s := NewMemoryStore(cfg)
	id, _ := s.Enqueue("x", KindSingle, EnqueueOptions{})

	for i := 0; i < 2; i++ {
		s.Lease(context.Background(), "w1", 1)
		s.CheckStalls(time.Now().Add(time.Second))
	}

	got, _ := s.Get(id)
	if got.State != StateFailed {
		t.Fatalf("expected job to fail beyond stall threshold, got %s", got.State)
	}
	if got.LastFailureReason != "stalled" {
		t.Errorf("LastFailureReason = %q, want %q", got.LastFailureReason, "stalled")
	}
}

func TestRetention_TrimsOldestCompleted(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.RetainCompleted = 2
	s := NewMemoryStore(cfg)

	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := s.Enqueue(i, KindSingle, EnqueueOptions{})
		ids = append(ids, id)
		j, _ := s.Lease(context.Background(), "w1", 1)
		s.Ack(j.ID, nil)
	}

	if stats := s.Stats(); stats.Completed != 2 {
		t.Errorf("Completed = %d, want 2 after retention trim", stats.Completed)
	}
	if got, _ := s.Get(ids[0]); got != nil {
		t.Error("oldest completed record should have been evicted by retention")
	}
}

func TestSubscribe_ReceivesEvents(t *testing.T) {
	s := newTestStore()
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	id, _ := s.Enqueue("x", KindSingle, EnqueueOptions{})

	select {
	case e := <-events:
		if e.Kind != EventAdded || e.JobID != id {
			t.Errorf("got event %+v, want added/%s", e, id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for added event")
	}
}
