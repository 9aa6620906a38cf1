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
	"errors"
	"testing"

	sharederrors "github.com/ingestpipe/core/pkg/shared/errors"
)

func TestClassify_HTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   sharederrors.Kind
	}{
		{429, sharederrors.KindRateLimited},
		{500, sharederrors.KindRemote5xx},
		{503, sharederrors.KindRemote5xx},
		{400, sharederrors.KindRemote4xx},
		{404, sharederrors.KindRemote4xx},
	}
	for _, c := range cases {
		got := Classify(c.status, errors.New("boom"))
		if got != c.want {
			t.Errorf("Classify(%d) = %q, want %q", c.status, got, c.want)
		}
	}
}

func TestClassify_DomainSubstrings(t *testing.T) {
	if got := Classify(401, errors.New("authentication failed: bad key")); got != sharederrors.KindAuth {
		t.Errorf("Classify(401, authentication) = %q, want auth", got)
	}
	if got := Classify(403, errors.New("permission denied")); got != sharederrors.KindAuth {
		t.Errorf("Classify(403, permission) = %q, want auth", got)
	}
}

func TestClassify_NetworkHeuristics(t *testing.T) {
	if got := Classify(0, errors.New("dial tcp: connection reset by peer")); got != sharederrors.KindNetwork {
		t.Errorf("Classify(connection reset) = %q, want network", got)
	}
	if got := Classify(0, errors.New("context deadline exceeded")); got != sharederrors.KindTimeout {
		t.Errorf("Classify(deadline exceeded) = %q, want timeout", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(sharederrors.KindRemote5xx) {
		t.Error("KindRemote5xx should be retryable")
	}
	if IsRetryable(sharederrors.KindRemote4xx) {
		t.Error("KindRemote4xx should not be retryable")
	}
	if IsRetryable(sharederrors.KindAuth) {
		t.Error("KindAuth should not be retryable")
	}
}
