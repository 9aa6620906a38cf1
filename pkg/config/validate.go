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
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ingestpipe/core/pkg/shared/errors"
)

var validate = validator.New()

// parseAndValidate unmarshals raw (already env-interpolated) yaml into a
// new value of typ's shape, then layers go-playground/validator struct
// tag checks under it (spec §6's gt=0/required-style constraints).
// Malformed yaml (a type mismatch like batchSize:"not-a-number") and a
// failing struct tag are both reported as KindConfigInvalid.
func parseAndValidate(typ Type, raw []byte) (any, error) {
	switch typ {
	case TypeSources:
		return decodeAndValidate(raw, &SourcesConfig{})
	case TypeIngestion:
		return decodeAndValidate(raw, &IngestionConfig{})
	case TypeQueue:
		return decodeAndValidate(raw, &QueueConfig{})
	case TypeProvider:
		return decodeAndValidate(raw, &ProviderConfig{})
	default:
		return nil, &errors.OperationError{Operation: "validate config", Component: "config", Resource: string(typ), Kind: errors.KindConfigInvalid, Cause: fmt.Errorf("unknown config type %q", typ)}
	}
}

func decodeAndValidate[T any](raw []byte, out *T) (any, error) {
	if err := unmarshalYAML(raw, out); err != nil {
		return nil, &errors.OperationError{Operation: "parse config", Component: "config", Kind: errors.KindConfigInvalid, Cause: err}
	}
	if err := validate.Struct(out); err != nil {
		return nil, &errors.OperationError{Operation: "validate config", Component: "config", Kind: errors.KindConfigInvalid, Cause: err}
	}
	return *out, nil
}
