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

package config

import (
	"os"
	"regexp"

	"github.com/ingestpipe/core/pkg/shared/errors"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// maxInterpolationDepth bounds the recursive guard spec §4.H calls for
// ("recursive guard"): a ${NAME} value that itself expands to another
// ${OTHER} reference is resolved up to this many levels before failing,
// preventing an accidental or malicious expansion cycle from looping.
const maxInterpolationDepth = 10

// interpolateEnv substitutes every ${NAME} occurrence in raw with the
// corresponding environment variable, recursively (an expanded value may
// itself contain a reference), bounded by maxInterpolationDepth.
func interpolateEnv(raw string) (string, error) {
	out := raw
	for depth := 0; depth < maxInterpolationDepth; depth++ {
		if !envPattern.MatchString(out) {
			return out, nil
		}
		var missing string
		next := envPattern.ReplaceAllStringFunc(out, func(m string) string {
			name := envPattern.FindStringSubmatch(m)[1]
			v, ok := os.LookupEnv(name)
			if !ok {
				missing = name
				return m
			}
			return v
		})
		if missing != "" {
			return "", errors.ValidationError("env", "undefined environment variable referenced: "+missing)
		}
		if next == out {
			// A value expanded to itself (e.g. FOO=${FOO}); nothing left to
			// resolve, stop to avoid spinning through the remaining depth.
			return next, nil
		}
		out = next
	}
	return "", errors.ValidationError("env", "environment variable interpolation exceeded recursion depth")
}
