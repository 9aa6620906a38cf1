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

package adapter

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/ingestpipe/core/pkg/shared/errors"
)

var openAICompatiblePricingPerMillionTokens = map[string]struct{ Input, Output decimal.Decimal }{
	"gpt-4o":      {decimal.NewFromFloat(2.50), decimal.NewFromFloat(10.00)},
	"gpt-4o-mini": {decimal.NewFromFloat(0.15), decimal.NewFromFloat(0.60)},
}

// defaultLocalPricing is used for models not in the known pricing table —
// self-hosted/local-inference endpoints (the teacher's "localai" provider
// shape) have no metered cost.
var defaultLocalPricing = struct{ Input, Output decimal.Decimal }{decimal.Zero, decimal.Zero}

// OpenAICompatible adapts github.com/tmc/langchaingo/llms/openai to the
// ProviderAdapter contract, covering hosted OpenAI models and any
// OpenAI-compatible endpoint (local inference servers, etc — spec §4.F's
// "[ADD] Concrete adapters" note).
type OpenAICompatible struct {
	llm    *openai.LLM
	models []string
}

// NewOpenAICompatible builds an adapter targeting baseURL (empty selects
// OpenAI's default endpoint) with apiKey.
func NewOpenAICompatible(apiKey, baseURL string, models []string) (*OpenAICompatible, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, errors.FailedToWithDetails("construct client", "openai", baseURL, err)
	}
	return &OpenAICompatible{llm: llm, models: models}, nil
}

func (o *OpenAICompatible) Name() string { return "openai" }

func (o *OpenAICompatible) SupportedModels() []string { return o.models }

func (o *OpenAICompatible) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	callOpts := []llms.CallOption{llms.WithModel(req.Model)}
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(req.Temperature))
	}

	resp, err := o.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt),
	}, callOpts...)
	if err != nil {
		statusCode, _ := openAIHTTPStatus(err)
		return CompletionResponse{}, &errors.OperationError{
			Operation: "complete",
			Component: "openai",
			Resource:  req.Model,
			Kind:      Classify(statusCode, err),
			Cause:     err,
		}
	}
	if len(resp.Choices) == 0 {
		return CompletionResponse{}, errors.FailedToWithDetails("complete", "openai", req.Model, errors.FailedTo("empty response from provider", nil))
	}

	content := resp.Choices[0].Content
	usage := Usage{}
	if gi := resp.Choices[0].GenerationInfo; gi != nil {
		if v, ok := gi["PromptTokens"].(int); ok {
			usage.InputTokens = v
		}
		if v, ok := gi["CompletionTokens"].(int); ok {
			usage.OutputTokens = v
		}
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	if usage.TotalTokens == 0 {
		usage = estimateUsage(req.Prompt, content)
	}

	cost, _ := o.CalculateCost(req.Model, usage.InputTokens, usage.OutputTokens)
	return CompletionResponse{Content: content, Model: req.Model, Usage: usage, Cost: cost}, nil
}

func (o *OpenAICompatible) CalculateCost(model string, inputTokens, outputTokens int) (Cost, error) {
	pricing, ok := openAICompatiblePricingPerMillionTokens[model]
	if !ok {
		pricing = defaultLocalPricing
	}
	million := decimal.NewFromInt(1_000_000)
	in := pricing.Input.Mul(decimal.NewFromInt(int64(inputTokens))).Div(million)
	out := pricing.Output.Mul(decimal.NewFromInt(int64(outputTokens))).Div(million)
	return Cost{Input: in, Output: out, Total: in.Add(out), Currency: "USD"}, nil
}

func (o *OpenAICompatible) HealthCheck(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	model := "gpt-4o-mini"
	if len(o.models) > 0 {
		model = o.models[0]
	}
	_, err := o.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "ping"),
	}, llms.WithModel(model), llms.WithMaxTokens(1))
	elapsed := time.Since(start)
	if err != nil {
		return HealthStatus{Healthy: false, ResponseTime: elapsed, Error: err.Error()}, nil
	}
	return HealthStatus{Healthy: true, ResponseTime: elapsed}, nil
}

// openAIHTTPStatus pulls a status code out of langchaingo's (thin) openai
// error wrapping, when present.
func openAIHTTPStatus(err error) (int, bool) {
	type statusCarrier interface{ StatusCode() int }
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if sc, ok := e.(statusCarrier); ok {
			return sc.StatusCode(), true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return 0, false
		}
		e = u.Unwrap()
	}
	return 0, false
}
