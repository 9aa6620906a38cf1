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
	"net"
	"strings"

	"github.com/ingestpipe/core/pkg/shared/errors"
)

// domainErrorSubstrings maps a substring found in a lowercased error
// message (the shape adapter SDKs use for domain-specific error codes
// that don't carry a dedicated Go type) to a Kind, per spec §4.G.
var domainErrorSubstrings = []struct {
	substr string
	kind   errors.Kind
}{
	{"authentication", errors.KindAuth},
	{"unauthorized", errors.KindAuth},
	{"permission", errors.KindAuth},
	{"invalid_request", errors.KindRemote4xx},
	{"invalid request", errors.KindRemote4xx},
}

// Classify maps an adapter call's outcome to a Kind the gateway's retry
// and circuit-breaker logic branch on (spec §4.F/§4.G): HTTP status first,
// then domain-specific substrings, then network/timeout heuristics.
func Classify(statusCode int, err error) errors.Kind {
	switch {
	case statusCode == 429:
		return errors.KindRateLimited
	case statusCode >= 500:
		return errors.KindRemote5xx
	case statusCode >= 400:
		if k, ok := classifyMessage(err); ok {
			return k
		}
		return errors.KindRemote4xx
	}

	if err == nil {
		return errors.KindRemote4xx
	}
	if k, ok := classifyMessage(err); ok {
		return k
	}
	var netErr net.Error
	if asNetError(err, &netErr) {
		if netErr.Timeout() {
			return errors.KindTimeout
		}
		return errors.KindNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return errors.KindTimeout
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return errors.KindNetwork
	default:
		return errors.KindRemote5xx
	}
}

func classifyMessage(err error) (errors.Kind, bool) {
	if err == nil {
		return "", false
	}
	msg := strings.ToLower(err.Error())
	for _, d := range domainErrorSubstrings {
		if strings.Contains(msg, d.substr) {
			return d.kind, true
		}
	}
	return "", false
}

func asNetError(err error, target *net.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if ne, ok := e.(net.Error); ok {
			*target = ne
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

// IsRetryable reports whether k should be retried, reusing the shared
// error-kind vocabulary's classification.
func IsRetryable(k errors.Kind) bool {
	switch k {
	case errors.KindRateLimited, errors.KindTimeout, errors.KindNetwork, errors.KindRemote5xx:
		return true
	default:
		return false
	}
}
