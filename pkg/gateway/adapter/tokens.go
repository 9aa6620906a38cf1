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
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tiktoken-go's cl100k_base encoding does not line up exactly with every
// provider's own tokenizer, but it is the documented fallback estimator
// every adapter uses when a provider response omits usage accounting
// (spec §4.F's "[ADD] Concrete adapters" note).
var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func getEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			encoding = nil
			return
		}
		encoding = enc
	})
	return encoding
}

// EstimateTokens counts text's tokens via tiktoken-go, falling back to a
// byte-length approximation (len(text)/4 rounded up, a widely used rule of
// thumb) if the encoder failed to load.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := getEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}
