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

package scheduler

import (
	"sync"

	"github.com/ingestpipe/core/pkg/job"
)

// EventKind enumerates the Scheduler's own observable events, layered on
// top of the queue events it re-emits upward unchanged (spec §4.E).
type EventKind string

const (
	EventScheduleCreated   EventKind = "schedule_created"
	EventScheduleCancelled EventKind = "schedule_cancelled"
	EventScheduleFired     EventKind = "schedule_fired"
	EventScheduleCoalesced EventKind = "schedule_coalesced"
	// EventQueue carries a re-emitted underlying job.Event verbatim.
	EventQueue EventKind = "queue"
)

// Event is one Scheduler fan-out notification.
type Event struct {
	Kind       EventKind
	ScheduleID string
	SourceID   string
	JobID      string
	Queue      *job.Event
}

const eventBufferSize = 256

// bus is the same best-effort, drop-oldest fan-out idiom job.bus uses,
// carrying the Scheduler's own Event type instead.
type bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Event)}
}

func (b *bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, eventBufferSize)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *bus) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}
