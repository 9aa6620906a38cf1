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
	"time"

	sharedmath "github.com/ingestpipe/core/pkg/shared/math"
)

const perfNormalizationCeiling = 10 * time.Second

// score implements spec §4.F's selection formula exactly:
//
//	score = 1 + w_perf*(1 - min(avg_rt,10s)/10s) + w_rel*reliability +
//	        w_cost*(1 - min(avg_cost,cap)/cap)
//
// with a 0.5x penalty when the last failure was within the last minute.
func score(stats ProviderStats, w Weights, costCap float64, now time.Time) float64 {
	rt := stats.AvgResponseTime
	if rt > perfNormalizationCeiling {
		rt = perfNormalizationCeiling
	}
	perfTerm := 1 - float64(rt)/float64(perfNormalizationCeiling)

	reliability := reliabilityScore(stats, now)

	if costCap <= 0 {
		costCap = 1
	}
	cost := sharedmath.Clamp(stats.AvgCost, 0, costCap)
	costTerm := 1 - cost/costCap

	s := 1 + w.Performance*perfTerm + w.Reliability*reliability + w.Cost*costTerm

	if stats.LastFailureAt != nil && now.Sub(*stats.LastFailureAt) <= time.Minute {
		s *= 0.5
	}
	return s
}

// reliabilityScore computes spec §4.F's reliability term:
//
//	reliability = success_rate * max(0.1, 1 - 0.2*consecutive_failures) + recency_bonus
//	recency_bonus = min(0.2, hours_since_last_failure * 0.01)
func reliabilityScore(stats ProviderStats, now time.Time) float64 {
	consecutivePenalty := sharedmath.Clamp(1-0.2*float64(stats.ConsecutiveFailures), 0.1, 1)
	recencyBonus := 0.0
	if stats.LastFailureAt != nil {
		hours := now.Sub(*stats.LastFailureAt).Hours()
		if hours < 0 {
			hours = 0
		}
		recencyBonus = sharedmath.Clamp(hours*0.01, 0, 0.2)
	}
	return stats.SuccessRate()*consecutivePenalty + recencyBonus
}

// candidate pairs a registered provider name with its computed score and
// circuit state, for ranking within rankCandidates.
type candidate struct {
	name  string
	score float64
	state breakerState
}

// rankCandidates orders registered providers by descending score,
// excluding any with an open circuit breaker and ordering half-open
// providers last (spec §4.F: "Candidates with an open circuit breaker are
// excluded; half-open circuits are tried last").
func rankCandidates(cands []candidate) []candidate {
	var open, halfOpen, closed []candidate
	for _, c := range cands {
		switch c.state {
		case BreakerOpen:
			open = append(open, c)
		case BreakerHalfOpen:
			halfOpen = append(halfOpen, c)
		default:
			closed = append(closed, c)
		}
	}
	_ = open // excluded entirely from the ordered result

	sortByScoreDesc(closed)
	sortByScoreDesc(halfOpen)
	return append(closed, halfOpen...)
}

func sortByScoreDesc(cs []candidate) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j].score > cs[j-1].score; j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}
