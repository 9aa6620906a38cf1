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

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/shopspring/decimal"

	"github.com/ingestpipe/core/pkg/shared/errors"
)

// anthropicPricingPerMillionTokens holds USD-per-million-token pricing for
// the Claude models this adapter advertises. Values are a point-in-time
// snapshot compiled into the binary; no config setting overrides them.
var anthropicPricingPerMillionTokens = map[string]struct{ Input, Output decimal.Decimal }{
	"claude-3-5-sonnet-20241022": {decimal.NewFromFloat(3.00), decimal.NewFromFloat(15.00)},
	"claude-3-5-haiku-20241022":  {decimal.NewFromFloat(0.80), decimal.NewFromFloat(4.00)},
	"claude-3-opus-20240229":     {decimal.NewFromFloat(15.00), decimal.NewFromFloat(75.00)},
}

// Anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// ProviderAdapter contract.
type Anthropic struct {
	client *anthropic.Client
	models []string
}

// NewAnthropic builds an Anthropic adapter advertising models.
func NewAnthropic(apiKey string, models []string) *Anthropic {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{client: &client, models: models}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) SupportedModels() []string { return a.models }

func (a *Anthropic) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		statusCode, ok := httpStatusFromErr(err)
		kind := errors.KindNetwork
		if ok {
			kind = Classify(statusCode, err)
		} else {
			kind = Classify(0, err)
		}
		return CompletionResponse{}, &errors.OperationError{
			Operation: "complete",
			Component: "anthropic",
			Resource:  req.Model,
			Kind:      kind,
			Cause:     err,
		}
	}

	var content string
	for _, block := range msg.Content {
		if text := block.AsText(); text.Text != "" {
			content += text.Text
		}
	}

	usage := Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	if usage.TotalTokens == 0 {
		usage = estimateUsage(req.Prompt, content)
	}

	cost, _ := a.CalculateCost(req.Model, usage.InputTokens, usage.OutputTokens)

	return CompletionResponse{
		Content: content,
		Model:   req.Model,
		Usage:   usage,
		Cost:    cost,
	}, nil
}

func (a *Anthropic) CalculateCost(model string, inputTokens, outputTokens int) (Cost, error) {
	pricing, ok := anthropicPricingPerMillionTokens[model]
	if !ok {
		return Cost{Currency: "USD"}, errors.ValidationError("model", "no pricing entry for anthropic model "+model)
	}
	million := decimal.NewFromInt(1_000_000)
	in := pricing.Input.Mul(decimal.NewFromInt(int64(inputTokens))).Div(million)
	out := pricing.Output.Mul(decimal.NewFromInt(int64(outputTokens))).Div(million)
	return Cost{Input: in, Output: out, Total: in.Add(out), Currency: "USD"}, nil
}

func (a *Anthropic) HealthCheck(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	model := "claude-3-5-haiku-20241022"
	if len(a.models) > 0 {
		model = a.models[0]
	}
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	elapsed := time.Since(start)
	if err != nil {
		return HealthStatus{Healthy: false, ResponseTime: elapsed, Error: err.Error()}, nil
	}
	return HealthStatus{Healthy: true, ResponseTime: elapsed}, nil
}

// estimateUsage is the provider-omitted-usage fallback path; EstimateTokens
// (tokens.go) backs it with tiktoken-go.
func estimateUsage(prompt, completion string) Usage {
	in := EstimateTokens(prompt)
	out := EstimateTokens(completion)
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

// httpStatusFromErr extracts an HTTP status code from an anthropic-sdk-go
// *anthropic.Error, if the failure came back as one.
func httpStatusFromErr(err error) (int, bool) {
	var apiErr *anthropic.Error
	if ok := asAnthropicError(err, &apiErr); ok {
		return apiErr.StatusCode, true
	}
	return 0, false
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if ae, ok := e.(*anthropic.Error); ok {
			*target = ae
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
