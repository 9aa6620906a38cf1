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

package ingest

import (
	"context"

	"github.com/ingestpipe/core/pkg/shared/errors"
	"github.com/ingestpipe/core/pkg/shared/logging"

	"github.com/sirupsen/logrus"
)

// ProgressFunc reports a job's progress percentage (0-100); the worker
// pool binds this to the owning job.Store.Progress call.
type ProgressFunc func(percent int) error

// Options controls per-document failure handling and result size, per
// spec §4.D.
type Options struct {
	StopOnError      bool
	IncludeDocuments bool
	IncludeResults   bool
}

// DocumentError captures one per-document failure.
type DocumentError struct {
	Document string
	Error    string
}

// SingleResult is the outcome of ProcessSingle.
type SingleResult struct {
	DocumentsProcessed int
	Errors             int
	ErrorDetails       []DocumentError
	Documents          []ExtractedRecord
	Results            []EnrichedRecord
}

// SourceOutcome is one source's result within a batch run.
type SourceOutcome struct {
	SourceID string
	Status   string // "completed" | "failed"
	Error    string
}

// BatchResult is the outcome of ProcessBatch.
type BatchResult struct {
	Outcomes []SourceOutcome
}

// Processor executes the single-source and batch ingestion flows (spec
// §4.D). It holds no job-store state of its own; progress is reported
// through the caller-supplied ProgressFunc and failures are returned as
// classified errors for the caller (the worker pool) to route to
// job.Store.Fail/Ack.
type Processor struct {
	registry *Registry
	log      *logrus.Logger
}

// NewProcessor builds a Processor over registry. A nil logger falls back
// to logrus' standard logger.
func NewProcessor(registry *Registry, log *logrus.Logger) *Processor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Processor{registry: registry, log: log}
}

// ProcessSingle runs the single-source flow: register (if needed),
// discover, then extract+transform each document, reporting progress at
// the exact checkpoints spec §4.D defines.
func (p *Processor) ProcessSingle(ctx context.Context, spec SourceSpec, opts Options, report ProgressFunc) (*SingleResult, error) {
	result := &SingleResult{}

	var handler SourceHandler
	err := p.registry.WithSource(spec, func(h SourceHandler) error {
		handler = h
		if err := h.Validate(spec); err != nil {
			return errors.FailedToWithDetails("validate source", "ingest", spec.ID, err)
		}
		return h.Initialize(ctx, spec)
	})
	if err != nil {
		return nil, p.fatal("register source "+spec.ID, spec, handler, err)
	}
	if err := report(10); err != nil {
		return nil, err
	}

	var docs []DocumentHandle
	err = p.registry.WithSource(spec, func(h SourceHandler) error {
		var derr error
		docs, derr = h.Discover(ctx, spec)
		return derr
	})
	if err != nil {
		return nil, p.fatal("discover documents for "+spec.ID, spec, handler, err)
	}
	if err := report(25); err != nil {
		return nil, err
	}

	n := len(docs)
	for i, doc := range docs {
		var extracted ExtractedRecord
		var enriched EnrichedRecord
		err := p.registry.WithSource(spec, func(h SourceHandler) error {
			var derr error
			extracted, derr = h.Extract(ctx, doc)
			if derr != nil {
				return derr
			}
			enriched, derr = h.Transform(ctx, extracted)
			return derr
		})
		if err != nil {
			docErr := DocumentError{Document: doc.ID, Error: err.Error()}
			if opts.StopOnError {
				p.cleanup(ctx, spec, handler)
				return nil, errors.FailedToWithDetails("process document", "ingest", doc.ID, err)
			}
			result.Errors++
			result.ErrorDetails = append(result.ErrorDetails, docErr)
			p.log.WithFields(logging.NewFields().Component("ingest").Operation("extract").Resource("document", doc.ID).Error(err).ToLogrus()).Warn("per-document failure, continuing")
		} else {
			result.DocumentsProcessed++
			if opts.IncludeDocuments {
				result.Documents = append(result.Documents, extracted)
			}
			if opts.IncludeResults {
				result.Results = append(result.Results, enriched)
			}
		}

		pct := 25 + ((i+1)*65)/n
		if err := report(pct); err != nil {
			return nil, err
		}
	}

	p.cleanup(ctx, spec, handler)
	if err := report(95); err != nil {
		return nil, err
	}
	if err := report(100); err != nil {
		return nil, err
	}
	return result, nil
}

// ProcessBatch runs ProcessSingle over each spec, scaling inner progress
// into that source's slot within the overall batch (spec §4.D).
func (p *Processor) ProcessBatch(ctx context.Context, specs []SourceSpec, opts Options, report ProgressFunc) (*BatchResult, error) {
	if len(specs) == 0 {
		return nil, errors.ValidationError("sources", "batch source list must not be empty")
	}

	result := &BatchResult{}
	n := len(specs)
	for i, spec := range specs {
		i := i
		inner := func(pct int) error {
			scaled := (i*100 + pct) / n
			return report(scaled)
		}
		_, err := p.ProcessSingle(ctx, spec, opts, inner)
		if err != nil {
			result.Outcomes = append(result.Outcomes, SourceOutcome{SourceID: spec.ID, Status: "failed", Error: err.Error()})
			if opts.StopOnError {
				return result, err
			}
			continue
		}
		result.Outcomes = append(result.Outcomes, SourceOutcome{SourceID: spec.ID, Status: "completed"})
	}
	return result, nil
}

func (p *Processor) fatal(op string, spec SourceSpec, handler SourceHandler, cause error) error {
	p.cleanup(context.Background(), spec, handler)
	return &errors.OperationError{
		Operation: op,
		Component: "ingest",
		Resource:  spec.ID,
		Kind:      errors.KindHandlerFatal,
		Cause:     cause,
	}
}

func (p *Processor) cleanup(ctx context.Context, spec SourceSpec, handler SourceHandler) {
	if handler == nil {
		return
	}
	if err := handler.Cleanup(ctx, spec); err != nil {
		p.log.WithFields(logging.NewFields().Component("ingest").Operation("cleanup").Resource("source", spec.ID).Error(err).ToLogrus()).Warn("source cleanup failed")
	}
}
