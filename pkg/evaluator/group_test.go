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

package evaluator_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigstore/policy-server/pkg/evaluator"
	"github.com/sigstore/policy-server/pkg/policy"
	"github.com/sigstore/policy-server/pkg/verdict"
)

type fixedEvaluator struct {
	v   verdict.Verdict
	err error
}

func (f fixedEvaluator) Validate(context.Context, json.RawMessage) (verdict.Verdict, error) {
	return f.v, f.err
}

// TestGroupEvaluatorRejectsWithConfiguredMessage exercises a group policy
// "pod_privileged() && true" against a privileged pod, which should reject
// with the group's configured message.
func TestGroupEvaluatorRejectsWithConfiguredMessage(t *testing.T) {
	g := policy.Group{
		Expression: "pod_privileged() && true",
		Message:    "privileged pods are not allowed",
		Members: map[string]policy.GroupMember{
			"pod_privileged": {URL: "file:///pod-privileged.wasm"},
		},
	}

	ev := evaluator.GroupEvaluator{
		Group: g,
		Members: map[string]evaluator.Evaluator{
			"pod_privileged": fixedEvaluator{v: verdict.NewReject("privileged")},
		},
	}

	v, err := ev.Validate(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, verdict.Reject, v.Outcome)
	require.Equal(t, "privileged pods are not allowed", v.Message)
}

func TestGroupEvaluatorAllowsWhenExpressionSatisfied(t *testing.T) {
	g := policy.Group{
		Expression: "member",
		Members: map[string]policy.GroupMember{
			"member": {URL: "file:///m.wasm"},
		},
	}

	ev := evaluator.GroupEvaluator{
		Group: g,
		Members: map[string]evaluator.Evaluator{
			"member": fixedEvaluator{v: verdict.NewAllow()},
		},
	}

	v, err := ev.Validate(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, v.IsAllowed())
}

func TestGroupEvaluatorMissingMemberEvaluatorErrors(t *testing.T) {
	g := policy.Group{
		Expression: "member",
		Members: map[string]policy.GroupMember{
			"member": {URL: "file:///m.wasm"},
		},
	}

	ev := evaluator.GroupEvaluator{Group: g, Members: map[string]evaluator.Evaluator{}}

	_, err := ev.Validate(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
}
