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

package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewWithRegistry_RegistersAllCollectorsUnderNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.QueueDepth.WithLabelValues("ingestion", "queued").Set(3)
	m.JobLeaseDuration.WithLabelValues("ingestion", "ack").Observe(0.5)
	m.JobAttemptsTotal.WithLabelValues("ingestion", "ack").Inc()
	m.CandidateLatency.WithLabelValues("openai").Observe(1.2)
	m.CandidateCostTotal.WithLabelValues("openai").Add(0.02)
	m.CircuitBreakerState.WithLabelValues("openai").Set(BreakerStateValue("open"))
	m.ConfigReloadTotal.WithLabelValues("ingestion", "applied").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one metric family")
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			t.Fatalf("metric %q missing %q namespace prefix", mf.GetName(), namespace)
		}
	}
}

func TestBreakerStateValue(t *testing.T) {
	cases := map[string]float64{
		"closed":    0,
		"half_open": 1,
		"open":      2,
		"unknown":   0,
	}
	for state, want := range cases {
		if got := BreakerStateValue(state); got != want {
			t.Errorf("BreakerStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}

func TestQueueDepthGauge_ReportsSetValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)
	m.QueueDepth.WithLabelValues("ingestion", "queued").Set(7)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, mf := range families {
		if mf.GetName() != namespace+"_queue_depth" {
			continue
		}
		found = true
		if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 7 {
			t.Fatalf("expected gauge value 7, got %v", got)
		}
	}
	if !found {
		t.Fatal("expected queue_depth metric to be present")
	}
}
