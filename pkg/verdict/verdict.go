// Copyright 2023 The Sigstore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package verdict holds the outcome of evaluating an admission request
// against a policy: allow, allow-with-mutation, or reject. It is kept as a
// tagged value rather than a pair of booleans so mutation payloads and
// reject messages are never silently dropped.
package verdict

import "encoding/json"

// Outcome discriminates the three possible shapes of a Verdict.
type Outcome int

const (
	// Allow means the request passed the policy unmodified.
	Allow Outcome = iota
	// AllowWithMutation means the request passed, but the policy wants the
	// object patched before admission.
	AllowWithMutation
	// Reject means the request failed the policy.
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case AllowWithMutation:
		return "allow-with-mutation"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Verdict is the result of Evaluator.Validate.
type Verdict struct {
	Outcome Outcome
	// Message explains a Reject outcome. Empty for Allow/AllowWithMutation.
	Message string
	// Patch carries the mutation to apply for AllowWithMutation. It is a
	// JSON Patch (RFC 6902) document, opaque to this package.
	Patch json.RawMessage
	// Timeout is set when Reject was produced by the per-request evaluation
	// time budget expiring.
	Timeout bool
}

// NewAllow builds an unconditional allow verdict.
func NewAllow() Verdict {
	return Verdict{Outcome: Allow}
}

// NewAllowWithMutation builds an allow verdict carrying a JSON Patch.
func NewAllowWithMutation(patch json.RawMessage) Verdict {
	return Verdict{Outcome: AllowWithMutation, Patch: patch}
}

// NewReject builds a reject verdict carrying a human-readable reason.
func NewReject(message string) Verdict {
	return Verdict{Outcome: Reject, Message: message}
}

// NewRejectTimeout builds the reject verdict reported when a worker's
// per-request evaluation time budget expires.
func NewRejectTimeout() Verdict {
	return Verdict{Outcome: Reject, Message: "policy evaluation timed out", Timeout: true}
}

// IsAllowed reports whether the request may proceed (with or without
// mutation).
func (v Verdict) IsAllowed() bool {
	return v.Outcome == Allow || v.Outcome == AllowWithMutation
}
