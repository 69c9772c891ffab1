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

// Package fixture is a deterministic stand-in for the out-of-scope sandbox
// runtime. It implements evaluator.Runtime by interpreting a module's
// basename as the name of one of three fixed behaviors: pod-privileged,
// raw-mutation, and sleep. Tests and integration scenarios use it in place
// of a real compiled policy module.
package fixture

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sigstore/policy-server/pkg/evaluator"
	"github.com/sigstore/policy-server/pkg/verdict"
)

// Runtime resolves a module path's basename to one of the fixed behaviors
// below. Unknown basenames fail instantiation with an EvaluatorInitFailed-
// shaped error, as if the sandbox had refused the module.
type Runtime struct{}

// NewEvaluator implements evaluator.Runtime. host is accepted to satisfy
// the interface a real sandboxed module would wire its host callback
// through (see pkg/evaluator/evaluator_test.go for the bridge exercised
// directly against the callback handler); none of the fixed behaviors
// below currently issue a capability request of their own.
func (Runtime) NewEvaluator(_ context.Context, modulePath string, settings map[string]any, _ evaluator.HostCallback) (evaluator.Evaluator, error) {
	name := strings.TrimSuffix(filepath.Base(modulePath), filepath.Ext(modulePath))
	switch name {
	case "pod-privileged":
		return podPrivileged{}, nil
	case "raw-mutation":
		return newRawMutation(settings)
	case "sleep":
		return newSleep(settings)
	default:
		return nil, fmt.Errorf("fixture: unknown module %q", modulePath)
	}
}

// podPrivileged rejects any admission request whose pod spec contains a
// container running with securityContext.privileged = true. It decides
// from the admission body alone and issues no capability requests; the
// sync->async bridge itself is exercised directly in
// pkg/evaluator/evaluator_test.go.
type podPrivileged struct{}

type admissionInput struct {
	Object struct {
		Spec struct {
			Containers []struct {
				Image           string `json:"image"`
				SecurityContext *struct {
					Privileged bool `json:"privileged"`
				} `json:"securityContext"`
			} `json:"containers"`
		} `json:"spec"`
	} `json:"object"`
}

func (p podPrivileged) Validate(ctx context.Context, input json.RawMessage) (verdict.Verdict, error) {
	var req admissionInput
	if err := json.Unmarshal(input, &req); err != nil {
		return verdict.Verdict{}, fmt.Errorf("pod-privileged: decoding input: %w", err)
	}

	for _, c := range req.Object.Spec.Containers {
		if c.SecurityContext != nil && c.SecurityContext.Privileged {
			return verdict.NewReject(fmt.Sprintf("container %q runs as privileged", c.Image)), nil
		}
	}
	return verdict.NewAllow(), nil
}

// rawMutation replaces any of a fixed set of forbidden resource names with
// a configured default, exercising the AllowWithMutation verdict shape.
type rawMutation struct {
	forbidden map[string]bool
	defaultTo string
}

type rawMutationSettings struct {
	ForbiddenResources []string `json:"forbiddenResources"`
	DefaultResource    string   `json:"defaultResource"`
}

func newRawMutation(settings map[string]any) (*rawMutation, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("raw-mutation: encoding settings: %w", err)
	}
	var s rawMutationSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("raw-mutation: decoding settings: %w", err)
	}
	forbidden := make(map[string]bool, len(s.ForbiddenResources))
	for _, r := range s.ForbiddenResources {
		forbidden[r] = true
	}
	return &rawMutation{forbidden: forbidden, defaultTo: s.DefaultResource}, nil
}

type rawMutationInput struct {
	Resource string `json:"resource"`
}

type rawMutationPatchValue struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value string `json:"value"`
}

func (r *rawMutation) Validate(_ context.Context, input json.RawMessage) (verdict.Verdict, error) {
	var req rawMutationInput
	if err := json.Unmarshal(input, &req); err != nil {
		return verdict.Verdict{}, fmt.Errorf("raw-mutation: decoding input: %w", err)
	}

	if !r.forbidden[req.Resource] {
		return verdict.NewAllow(), nil
	}

	patch, err := json.Marshal([]rawMutationPatchValue{{
		Op:    "replace",
		Path:  "/resource",
		Value: r.defaultTo,
	}})
	if err != nil {
		return verdict.Verdict{}, fmt.Errorf("raw-mutation: encoding patch: %w", err)
	}
	return verdict.NewAllowWithMutation(patch), nil
}

// sleep holds the worker for a configured duration before allowing,
// exercising the per-request evaluation timeout. It
// respects ctx cancellation so a worker's own timeout enforcement (pkg/worker)
// does not need to wait out the full sleep once the budget has expired.
type sleep struct {
	duration time.Duration
}

type sleepSettings struct {
	SleepMilliseconds int `json:"sleepMilliseconds"`
}

func newSleep(settings map[string]any) (*sleep, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("sleep: encoding settings: %w", err)
	}
	var s sleepSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("sleep: decoding settings: %w", err)
	}
	return &sleep{duration: time.Duration(s.SleepMilliseconds) * time.Millisecond}, nil
}

func (s *sleep) Validate(ctx context.Context, _ json.RawMessage) (verdict.Verdict, error) {
	timer := time.NewTimer(s.duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return verdict.NewAllow(), nil
	case <-ctx.Done():
		return verdict.Verdict{}, ctx.Err()
	}
}
