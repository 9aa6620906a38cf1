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
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/shopspring/decimal"

	"github.com/ingestpipe/core/pkg/shared/errors"
)

var bedrockPricingPerMillionTokens = map[string]struct{ Input, Output decimal.Decimal }{
	"anthropic.claude-3-5-sonnet-20241022-v2:0": {decimal.NewFromFloat(3.00), decimal.NewFromFloat(15.00)},
	"anthropic.claude-3-haiku-20240307-v1:0":    {decimal.NewFromFloat(0.25), decimal.NewFromFloat(1.25)},
	"amazon.titan-text-express-v1":              {decimal.NewFromFloat(0.20), decimal.NewFromFloat(0.60)},
}

// claudeOnBedrockRequest/Response mirror the Anthropic Messages API body
// shape Bedrock's InvokeModel expects/returns for anthropic.* model ids.
type claudeOnBedrockRequest struct {
	AnthropicVersion string              `json:"anthropic_version"`
	MaxTokens        int                 `json:"max_tokens"`
	Messages         []map[string]string `json:"messages"`
}

type claudeOnBedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Bedrock adapts github.com/aws/aws-sdk-go-v2/service/bedrockruntime to
// the ProviderAdapter contract. Every request is sent in the Anthropic
// Messages body shape (claudeOnBedrockRequest), so only Bedrock-hosted
// Claude (anthropic.*) model ids can be invoked; the Titan entry in
// bedrockPricingPerMillionTokens is used by CalculateCost only.
type Bedrock struct {
	client *bedrockruntime.Client
	models []string
}

// NewBedrock resolves AWS credentials/region the default way
// (aws-sdk-go-v2's config.LoadDefaultConfig: env vars, shared config,
// IAM role) and builds a Bedrock adapter advertising models.
func NewBedrock(ctx context.Context, region string, models []string) (*Bedrock, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.FailedToWithDetails("load aws config", "bedrock", region, err)
	}
	return &Bedrock{client: bedrockruntime.NewFromConfig(cfg), models: models}, nil
}

func (b *Bedrock) Name() string { return "bedrock" }

func (b *Bedrock) SupportedModels() []string { return b.models }

func (b *Bedrock) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	body, err := json.Marshal(claudeOnBedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         []map[string]string{{"role": "user", "content": req.Prompt}},
	})
	if err != nil {
		return CompletionResponse{}, errors.ParseError("bedrock request", "json", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		statusCode, _ := smithyHTTPStatus(err)
		return CompletionResponse{}, &errors.OperationError{
			Operation: "complete",
			Component: "bedrock",
			Resource:  req.Model,
			Kind:      Classify(statusCode, err),
			Cause:     err,
		}
	}

	var parsed claudeOnBedrockResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return CompletionResponse{}, errors.ParseError("bedrock response", "json", err)
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	usage := Usage{InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	if usage.TotalTokens == 0 {
		usage = estimateUsage(req.Prompt, content)
	}

	cost, _ := b.CalculateCost(req.Model, usage.InputTokens, usage.OutputTokens)
	return CompletionResponse{Content: content, Model: req.Model, Usage: usage, Cost: cost}, nil
}

func (b *Bedrock) CalculateCost(model string, inputTokens, outputTokens int) (Cost, error) {
	pricing, ok := bedrockPricingPerMillionTokens[model]
	if !ok {
		return Cost{Currency: "USD"}, errors.ValidationError("model", "no pricing entry for bedrock model "+model)
	}
	million := decimal.NewFromInt(1_000_000)
	in := pricing.Input.Mul(decimal.NewFromInt(int64(inputTokens))).Div(million)
	out := pricing.Output.Mul(decimal.NewFromInt(int64(outputTokens))).Div(million)
	return Cost{Input: in, Output: out, Total: in.Add(out), Currency: "USD"}, nil
}

func (b *Bedrock) HealthCheck(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	model := "anthropic.claude-3-haiku-20240307-v1:0"
	if len(b.models) > 0 {
		model = b.models[0]
	}
	body, _ := json.Marshal(claudeOnBedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1,
		Messages:         []map[string]string{{"role": "user", "content": "ping"}},
	})
	_, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	elapsed := time.Since(start)
	if err != nil {
		return HealthStatus{Healthy: false, ResponseTime: elapsed, Error: err.Error()}, nil
	}
	return HealthStatus{Healthy: true, ResponseTime: elapsed}, nil
}

func smithyHTTPStatus(err error) (int, bool) {
	var apiErr smithy.APIError
	if asSmithyAPIError(err, &apiErr) {
		// aws-sdk-go-v2 error types don't universally carry an HTTP status
		// on the interface; 5xx is the conservative default for a service
		// exception so it is treated as retryable absent a more specific
		// *smithy.GenericAPIError code mapping.
		return classifyAPIErrorCode(apiErr.ErrorCode()), true
	}
	return 0, false
}

func asSmithyAPIError(err error, target *smithy.APIError) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if ae, ok := e.(smithy.APIError); ok {
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

func classifyAPIErrorCode(code string) int {
	switch code {
	case "ThrottlingException", "TooManyRequestsException":
		return 429
	case "ValidationException", "AccessDeniedException":
		return 400
	case "ModelTimeoutException":
		return 504
	default:
		return 500
	}
}
