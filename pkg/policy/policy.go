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

// Package policy holds the data model of policy descriptors and policy
// groups, as loaded from the process's policy configuration file.
package policy

import (
	"fmt"
)

// Mode labels a policy as enforcing (Protect) or observe-only (Monitor).
// The mode is loaded and reported by EffectiveMode; the worker pool and
// server do not consult it, so a Monitor policy's reject verdict is
// returned unchanged.
type Mode string

const (
	// ModeProtect labels a policy whose reject verdicts are enforced.
	ModeProtect Mode = "protect"
	// ModeMonitor labels a policy as observe-only.
	ModeMonitor Mode = "monitor"
)

// GroupKind names a context-aware resource a policy is permitted to query
// at evaluation time.
type GroupKind struct {
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`
	Kind       string `yaml:"kind" json:"kind"`
}

// Descriptor is a single policy's configuration: where its module comes
// from, how it behaves, and what it's allowed to see.
//
// wasmModulePath is filled in at bootstrap once the module fetcher
// (pkg/fetcher) has resolved URL to a local file; it is never present in the
// configuration document itself, mirroring policies.rs's
// `#[serde(skip)] wasm_module_path`.
type Descriptor struct {
	// URL is the scheme-discriminated source of the policy module:
	// file://, http(s)://, or registry://.
	URL string `yaml:"url" json:"url"`
	// Mode is Protect or Monitor. Defaults to Protect if empty.
	Mode Mode `yaml:"mode,omitempty" json:"mode,omitempty"`
	// MutationAllowed records whether the policy may mutate. It is not
	// checked against the verdict: a patch is returned whatever its value.
	MutationAllowed bool `yaml:"mutating,omitempty" json:"mutating,omitempty"`
	// Settings is passed verbatim to the sandbox at instantiation.
	Settings map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
	// ContextAwareResources is the set of resource kinds this policy may
	// query through the Kubernetes capability providers.
	ContextAwareResources []GroupKind `yaml:"contextAwareResources,omitempty" json:"contextAwareResources,omitempty"`

	wasmModulePath string
}

// EffectiveMode returns the policy's mode, defaulting to Protect.
func (d Descriptor) EffectiveMode() Mode {
	if d.Mode == "" {
		return ModeProtect
	}
	return d.Mode
}

// WithModulePath returns a copy of d with its resolved local module path
// set. Called by bootstrap after the fetcher runs.
func (d Descriptor) WithModulePath(path string) Descriptor {
	d.wasmModulePath = path
	return d
}

// ModulePath returns the local filesystem path of the fetched module, once
// resolved. Empty before bootstrap fetches it.
func (d Descriptor) ModulePath() string {
	return d.wasmModulePath
}

// GroupMember is one named member of a Group: its own module source,
// settings, and context-aware set, exactly like a standalone Descriptor but
// without its own mode (only the group carries one).
type GroupMember struct {
	URL                   string         `yaml:"url" json:"url"`
	Settings              map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
	ContextAwareResources []GroupKind    `yaml:"contextAwareResources,omitempty" json:"contextAwareResources,omitempty"`

	wasmModulePath string
}

// WithModulePath mirrors Descriptor.WithModulePath.
func (m GroupMember) WithModulePath(path string) GroupMember {
	m.wasmModulePath = path
	return m
}

// ModulePath mirrors Descriptor.ModulePath.
func (m GroupMember) ModulePath() string {
	return m.wasmModulePath
}

// Group is a higher-order policy: a boolean expression over named members.
type Group struct {
	Expression string                 `yaml:"expression" json:"expression"`
	Message    string                 `yaml:"message,omitempty" json:"message,omitempty"`
	Mode       Mode                   `yaml:"mode,omitempty" json:"mode,omitempty"`
	Members    map[string]GroupMember `yaml:"policies" json:"policies"`
}

// EffectiveMode mirrors Descriptor.EffectiveMode.
func (g Group) EffectiveMode() Mode {
	if g.Mode == "" {
		return ModeProtect
	}
	return g.Mode
}

// Evaluate substitutes each member's allow/deny outcome into the group's
// boolean expression and returns the resulting admit/deny decision.
func (g Group) Evaluate(memberResults map[string]bool) (bool, error) {
	return EvaluateExpression(g.Expression, memberResults)
}

// Entry is either a Descriptor or a Group, as loaded from the policy
// configuration file keyed by policy id.
type Entry struct {
	Descriptor *Descriptor
	Group      *Group
}

// IsGroup reports whether this entry is a policy group rather than a plain
// descriptor.
func (e Entry) IsGroup() bool {
	return e.Group != nil
}

// Set is the full policy configuration: policy-id -> Entry.
type Set map[string]Entry

// Validate checks structural invariants that can be caught before bootstrap
// attempts to fetch or instantiate anything, reporting ConfigInvalid early.
func (s Set) Validate() error {
	for id, e := range s {
		if e.Descriptor == nil && e.Group == nil {
			return fmt.Errorf("policy %q: neither a descriptor nor a group", id)
		}
		if e.Descriptor != nil && e.Group != nil {
			return fmt.Errorf("policy %q: both a descriptor and a group", id)
		}
		if e.Group != nil {
			if e.Group.Expression == "" {
				return fmt.Errorf("policy group %q: missing expression", id)
			}
			if len(e.Group.Members) == 0 {
				return fmt.Errorf("policy group %q: no members", id)
			}
			for name, m := range e.Group.Members {
				if m.URL == "" {
					return fmt.Errorf("policy group %q: member %q missing url", id, name)
				}
			}
		}
		if e.Descriptor != nil && e.Descriptor.URL == "" {
			return fmt.Errorf("policy %q: missing url", id)
		}
	}
	return nil
}
