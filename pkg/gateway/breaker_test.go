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

package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/ingestpipe/core/pkg/gateway/adapter"
)

func TestBreaker_ThresholdOfOneOpensOnFirstFailure(t *testing.T) {
	b := newBreaker("p", 1, time.Second, nil)
	_, err := b.Execute(func() (adapter.CompletionResponse, error) { return adapter.CompletionResponse{}, errors.New("boom") })
	if err == nil {
		t.Fatal("expected the scripted failure to surface")
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %q, want open after a single failure at threshold 1", b.State())
	}
}

func TestBreaker_ClosedStateAdmitsCalls(t *testing.T) {
	b := newBreaker("p", 5, time.Second, nil)
	_, err := b.Execute(func() (adapter.CompletionResponse, error) { return adapter.CompletionResponse{Content: "ok"}, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %q, want closed", b.State())
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	b := newBreaker("p", 1, 10*time.Millisecond, func(from, to breakerState) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	b.Execute(func() (adapter.CompletionResponse, error) { return adapter.CompletionResponse{}, errors.New("boom") })
	if len(transitions) == 0 || transitions[len(transitions)-1] != "closed->open" {
		t.Fatalf("transitions = %v, want a final closed->open", transitions)
	}

	time.Sleep(20 * time.Millisecond)
	b.Execute(func() (adapter.CompletionResponse, error) { return adapter.CompletionResponse{Content: "ok"}, nil })
	if transitions[len(transitions)-1] != "half_open->closed" {
		t.Fatalf("transitions = %v, want a final half_open->closed", transitions)
	}
}
