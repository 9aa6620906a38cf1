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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ingestpipe/core/pkg/gateway/adapter"
	"github.com/ingestpipe/core/pkg/shared/errors"
)

// PromptTemplate is a named, versioned body of text with {{variable}}
// placeholders (spec §4.F, Glossary). It unifies the source's two
// parallel template-management variants into one storage contract (Open
// Question #2, SPEC_FULL.md §9): Save/Resolve/Render.
type PromptTemplate struct {
	ID       string
	Name     string
	Version  int
	Body     string
	Required []string
	Hash     string
}

// PromptStore owns saved templates, keyed by name with an auto-
// incrementing version per name. Saving byte-identical content twice
// returns the same (ID, Version) pair rather than minting a new version,
// satisfying spec §8's idempotence property.
type PromptStore struct {
	mu        sync.Mutex
	byName    map[string][]*PromptTemplate // ordered oldest->newest
}

// NewPromptStore builds an empty PromptStore.
func NewPromptStore() *PromptStore {
	return &PromptStore{byName: make(map[string][]*PromptTemplate)}
}

// Save stores body under name, returning the resulting template. If the
// most recent version under name has byte-identical canonical content,
// its (ID, Version) is returned unchanged instead of minting a new one.
func (s *PromptStore) Save(name, body string, required []string) (*PromptTemplate, error) {
	if name == "" {
		return nil, errors.ValidationError("name", "template name must not be empty")
	}
	hash := promptHash(canonicalPrompt(body, required))

	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byName[name]
	if n := len(versions); n > 0 && versions[n-1].Hash == hash {
		return versions[n-1], nil
	}

	t := &PromptTemplate{
		ID:       uuid.NewString(),
		Name:     name,
		Version:  len(versions) + 1,
		Body:     body,
		Required: append([]string(nil), required...),
		Hash:     hash,
	}
	s.byName[name] = append(versions, t)
	return t, nil
}

// Resolve looks up name at version (0 selects the latest).
func (s *PromptStore) Resolve(name string, version int) (*PromptTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.byName[name]
	if !ok || len(versions) == 0 {
		return nil, errors.FailedToWithDetails("resolve prompt template", "gateway", name, nil)
	}
	if version <= 0 {
		return versions[len(versions)-1], nil
	}
	for _, t := range versions {
		if t.Version == version {
			return t, nil
		}
	}
	return nil, errors.FailedToWithDetails("resolve prompt template version", "gateway", fmt.Sprintf("%s@%d", name, version), nil)
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// RenderResult is the output of substituting variables into a template.
type RenderResult struct {
	Text     string
	Warnings []string // unsubstituted placeholders (spec §4.F: warnings, not failures)
}

// Render substitutes {{var}} placeholders with variables, failing with a
// validation error if any of t.Required is missing, and collecting any
// still-unsubstituted placeholder as a warning (spec §4.F).
func Render(t *PromptTemplate, variables map[string]string) (RenderResult, error) {
	for _, req := range t.Required {
		if _, ok := variables[req]; !ok {
			return RenderResult{}, errors.FailedToWithDetails("render prompt template", "gateway", t.Name, fmt.Errorf("missing_variables: %s", req))
		}
	}

	var warnings []string
	text := placeholderPattern.ReplaceAllStringFunc(t.Body, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := variables[name]; ok {
			return v
		}
		warnings = append(warnings, name)
		return m
	})
	return RenderResult{Text: text, Warnings: warnings}, nil
}

// canonicalPrompt produces a deterministic serialization of a template's
// body and required-variable set, so promptHash is stable regardless of
// map/slice ordering callers pass Required in.
func canonicalPrompt(body string, required []string) string {
	req := append([]string(nil), required...)
	sort.Strings(req)
	return body + "\x00" + strings.Join(req, ",")
}

func promptHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// PromptExecutionResult is ExecutionResult annotated with the template
// identity that produced the rendered prompt (spec §4.F).
type PromptExecutionResult struct {
	ExecutionResult
	TemplateID      string
	TemplateName    string
	TemplateVersion int
	PromptHash      string
	Warnings        []string
}

// ExecuteWithPrompt resolves templateName (at templateVersion, 0 for
// latest), validates and substitutes variables, executes the rendered
// prompt via Execute's failover path, and attaches the template identity
// to the result (spec §4.F's executeWithPrompt).
func (g *Gateway) ExecuteWithPrompt(ctx context.Context, templateName string, templateVersion int, variables map[string]string, req adapter.CompletionRequest) (PromptExecutionResult, error) {
	t, err := g.prompts.Resolve(templateName, templateVersion)
	if err != nil {
		return PromptExecutionResult{}, err
	}
	rendered, err := Render(t, variables)
	if err != nil {
		return PromptExecutionResult{}, err
	}

	req.Prompt = rendered.Text
	result, err := g.Execute(ctx, req)
	if err != nil {
		return PromptExecutionResult{}, err
	}
	return PromptExecutionResult{
		ExecutionResult: result,
		TemplateID:      t.ID,
		TemplateName:    t.Name,
		TemplateVersion: t.Version,
		PromptHash:      t.Hash,
		Warnings:        rendered.Warnings,
	}, nil
}
