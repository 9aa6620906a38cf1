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
	"testing"

	"github.com/shopspring/decimal"
)

func TestAnthropic_CalculateCost(t *testing.T) {
	a := NewAnthropic("test-key", []string{"claude-3-5-haiku-20241022"})
	cost, err := a.CalculateCost("claude-3-5-haiku-20241022", 1_000_000, 500_000)
	if err != nil {
		t.Fatalf("CalculateCost() error: %v", err)
	}
	if !cost.Input.Equal(decimal.NewFromFloat(0.80)) {
		t.Errorf("Input cost = %s, want 0.80", cost.Input)
	}
	if !cost.Output.Equal(decimal.NewFromFloat(2.00)) {
		t.Errorf("Output cost = %s, want 2.00", cost.Output)
	}
	if !cost.Total.Equal(decimal.NewFromFloat(2.80)) {
		t.Errorf("Total cost = %s, want 2.80", cost.Total)
	}
}

func TestAnthropic_CalculateCost_UnknownModel(t *testing.T) {
	a := NewAnthropic("test-key", nil)
	if _, err := a.CalculateCost("not-a-model", 10, 10); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestOpenAICompatible_CalculateCost_UnknownModelFallsBackToZero(t *testing.T) {
	o := &OpenAICompatible{models: []string{"local-model"}}
	cost, err := o.CalculateCost("local-model", 1000, 1000)
	if err != nil {
		t.Fatalf("CalculateCost() error: %v", err)
	}
	if !cost.Total.IsZero() {
		t.Errorf("expected zero cost for unpriced local model, got %s", cost.Total)
	}
}

func TestEstimateTokens_NonEmpty(t *testing.T) {
	if n := EstimateTokens(""); n != 0 {
		t.Errorf("EstimateTokens(\"\") = %d, want 0", n)
	}
	if n := EstimateTokens("hello world, this is a test sentence"); n <= 0 {
		t.Errorf("EstimateTokens() = %d, want > 0", n)
	}
}
