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

// Package errors provides the shared error vocabulary used across the
// ingestion and enrichment control plane: a wrapped operation error type,
// classification into the kinds the job store and provider gateway branch
// on, and small constructors for the error shapes that recur across
// components.
package errors

import (
	"fmt"
	"strings"
)

// Kind classifies an error for retry and circuit-breaker decisions.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindAuth         Kind = "auth"
	KindRateLimited  Kind = "rate_limited"
	KindTimeout      Kind = "timeout"
	KindNetwork      Kind = "network"
	KindRemote5xx    Kind = "remote_5xx"
	KindRemote4xx    Kind = "remote_4xx_other"
	KindStalled      Kind = "stalled"
	KindHandlerFatal Kind = "handler_fatal"
	KindDocument     Kind = "document_error"
	KindConfigInvalid Kind = "config_invalid"
)

// retryableKinds lists the kinds that the job store and the gateway
// consider retryable on their own (without inspecting the message).
var retryableKinds = map[Kind]bool{
	KindRateLimited: true,
	KindTimeout:     true,
	KindNetwork:     true,
	KindRemote5xx:   true,
}

// OperationError is the standard wrapped-error shape used throughout the
// module: what failed, where, on what, and why.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Kind      Kind
	Cause     error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	b.WriteString("failed to ")
	b.WriteString(e.Operation)
	if e.Component != "" {
		b.WriteString(", component: ")
		b.WriteString(e.Component)
	}
	if e.Resource != "" {
		b.WriteString(", resource: ")
		b.WriteString(e.Resource)
	}
	if e.Cause != nil {
		b.WriteString(", cause: ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds a minimal error in the "failed to <action>[: cause]" shape.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds an *OperationError with component and resource context.
func FailedToWithDetails(operation, component, resource string, cause error) error {
	return &OperationError{
		Operation: operation,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}

// Wrapf wraps err with a formatted message, or returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", err)
}

// DatabaseError wraps a job-store or config-store persistence failure.
func DatabaseError(operation string, cause error) error {
	return &OperationError{Operation: operation, Component: "database", Kind: KindNetwork, Cause: cause}
}

// NetworkError wraps a failure reaching an external endpoint (provider APIs, the config watcher's directory, etc).
func NetworkError(operation, endpoint string, cause error) error {
	return &OperationError{Operation: operation, Component: "network", Resource: endpoint, Kind: KindNetwork, Cause: cause}
}

// ValidationError reports a single field-level validation failure.
func ValidationError(field, reason string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, reason)
}

// ConfigurationError reports that a config-plane setting failed validation.
func ConfigurationError(setting, reason string) error {
	return fmt.Errorf("configuration error for setting %s: %s", setting, reason)
}

// TimeoutError reports a deadline exceeded while waiting on an operation.
func TimeoutError(waitingOn, after string) error {
	return fmt.Errorf("timeout while waiting for %s after %s", waitingOn, after)
}

// AuthenticationError reports that a provider adapter rejected credentials.
func AuthenticationError(reason string) error {
	return fmt.Errorf("authentication failed: %s", reason)
}

// AuthorizationError reports an insufficient-permission failure.
func AuthorizationError(action, resource string) error {
	return fmt.Errorf("authorization failed: insufficient permissions to %s %s", action, resource)
}

// ParseError reports a config or payload parse failure.
func ParseError(what, format string, cause error) error {
	return FailedTo(fmt.Sprintf("parse %s as %s", what, format), cause)
}

// retryableSubstrings catches transient failures surfaced by third-party
// clients that don't carry a Kind of their own.
var retryableSubstrings = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"unavailable",
	"temporarily",
	"i/o timeout",
}

// IsRetryable reports whether err should be retried. A *OperationError (or
// anything wrapping one) with a Kind is classified by Kind first; anything
// else falls back to a message-substring heuristic.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *OperationError
	for e := err; e != nil; e = unwrapOne(e) {
		if oe, ok := e.(*OperationError); ok {
			opErr = oe
			break
		}
	}
	if opErr != nil && opErr.Kind != "" {
		return retryableKinds[opErr.Kind]
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func unwrapOne(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

// Chain joins multiple non-nil errors into one, or returns nil if none are set.
func Chain(errs ...error) error {
	var msgs []string
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Error())
		}
	}
	switch len(msgs) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s", msgs[0])
	default:
		return fmt.Errorf("multiple errors: %s", strings.Join(msgs, "; "))
	}
}
