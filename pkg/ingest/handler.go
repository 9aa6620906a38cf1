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

// Package ingest implements the Source Handler Contract and the Ingestion
// Processor (spec §4.A, §4.D): the narrow capability set concrete source
// adapters (static files, HTTP polling, ...) must satisfy, a registry that
// serializes calls per source id, and the single-source/batch execution
// flows that drive a handler to produce enriched records.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ingestpipe/core/pkg/shared/errors"
)

// SourceSpec is the caller-chosen description of one ingestion source
// (spec §3). Config is handler-specific and opaque to the processor.
type SourceSpec struct {
	ID         string
	Type       string
	Name       string
	Enabled    bool
	Visibility string
	Schedule   string
	Config     map[string]any
}

// DocumentHandle identifies one discoverable unit within a source.
type DocumentHandle struct {
	ID           string
	URLOrPath    string
	Metadata     map[string]any
	ETag         string
	LastModified string
}

// ExtractedRecord is a document's raw content plus a deterministic hash
// over its normalized form, used for change detection and dedup upstream.
type ExtractedRecord struct {
	DocumentID  string
	RawContent  []byte
	ContentHash string
	Metadata    map[string]any
}

// EnrichedRecord is the final transformed artifact for one document.
// PromptTemplateRef is set only when the transform went through the
// gateway's prompt-template path (spec §3).
type EnrichedRecord struct {
	DocumentID        string
	Content           string
	Title             string
	WordCount         int
	CharCount         int
	Metadata          map[string]any
	PromptTemplateRef *PromptTemplateRef
}

// PromptTemplateRef identifies the prompt template (if any) used to
// produce an EnrichedRecord.
type PromptTemplateRef struct {
	TemplateID string
	Name       string
	Version    int
	Hash       string
}

// SourceHandler is the contract every concrete source adapter satisfies
// (spec §4.A). Implementations must be safe to call concurrently across
// distinct source ids; Registry serializes calls within one source id.
type SourceHandler interface {
	Validate(spec SourceSpec) error
	Initialize(ctx context.Context, spec SourceSpec) error
	Discover(ctx context.Context, spec SourceSpec) ([]DocumentHandle, error)
	Extract(ctx context.Context, handle DocumentHandle) (ExtractedRecord, error)
	Transform(ctx context.Context, extracted ExtractedRecord) (EnrichedRecord, error)
	Cleanup(ctx context.Context, spec SourceSpec) error
}

// Registry resolves a SourceSpec's type tag to a registered SourceHandler
// and serializes calls per source id with a per-id mutex, never a global
// lock, so unrelated sources make progress concurrently.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]SourceHandler

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRegistry constructs an empty handler Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]SourceHandler),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Register associates a type tag with a handler implementation.
func (r *Registry) Register(sourceType string, h SourceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[sourceType] = h
}

// Handler resolves a type tag to its registered handler.
func (r *Registry) Handler(sourceType string) (SourceHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[sourceType]
	if !ok {
		return nil, errors.ValidationError("type", fmt.Sprintf("no handler registered for source type %q", sourceType))
	}
	return h, nil
}

// lockFor returns (creating if needed) the per-source-id mutex.
func (r *Registry) lockFor(sourceID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[sourceID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sourceID] = l
	}
	return l
}

// WithSource resolves spec's handler and runs fn while holding the
// per-source-id lock, serializing all processor calls against that id.
func (r *Registry) WithSource(spec SourceSpec, fn func(SourceHandler) error) error {
	h, err := r.Handler(spec.Type)
	if err != nil {
		return err
	}
	lock := r.lockFor(spec.ID)
	lock.Lock()
	defer lock.Unlock()
	return fn(h)
}
