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

package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigstore/policy-server/pkg/callback"
	"github.com/sigstore/policy-server/pkg/evaluator"
	"github.com/sigstore/policy-server/pkg/evaluator/fixture"
	"github.com/sigstore/policy-server/pkg/policy"
	"github.com/sigstore/policy-server/pkg/verdict"
	"github.com/sigstore/policy-server/pkg/worker"
)

func bootstrapPool(t *testing.T, policies policy.Set, opts func(*worker.Options)) *worker.Pool {
	t.Helper()
	h := callback.New(callback.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	o := worker.Options{
		Size:              2,
		Policies:          policies,
		Runtime:           fixture.Runtime{},
		HostCallback:      evaluator.Bridge(h.Inbox()),
		EvaluationTimeout: 2 * time.Second,
	}
	if opts != nil {
		opts(&o)
	}

	p, err := worker.Bootstrap(ctx, o)
	require.NoError(t, err)
	go p.Run(ctx)
	return p
}

func descriptor(modulePath string, settings map[string]any) policy.Entry {
	d := policy.Descriptor{URL: "file://" + modulePath, Settings: settings}
	d = d.WithModulePath(modulePath)
	return policy.Entry{Descriptor: &d}
}

func evalSync(t *testing.T, p *worker.Pool, policyID string, body string) worker.EvalResponse {
	t.Helper()
	reply := make(chan worker.EvalResponse, 1)
	p.Inbox() <- worker.EvalRequest{
		PolicyID: policyID,
		Body:     json.RawMessage(body),
		Reply:    reply,
		Ctx:      context.Background(),
	}
	select {
	case resp := <-reply:
		return resp
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for evaluation reply")
		return worker.EvalResponse{}
	}
}

// TestScenarioPodPrivilegedRejects exercises a privileged-container pod end
// to end through the worker pool.
func TestScenarioPodPrivilegedRejects(t *testing.T) {
	policies := policy.Set{
		"pod-privileged": descriptor("pod-privileged.wasm", nil),
	}
	p := bootstrapPool(t, policies, nil)

	resp := evalSync(t, p, "pod-privileged", `{"object":{"spec":{"containers":[{"image":"evil:latest","securityContext":{"privileged":true}}]}}}`)
	require.NoError(t, resp.Err)
	require.NotNil(t, resp.Verdict)
	require.Equal(t, verdict.Reject, resp.Verdict.Outcome)
	require.NotEmpty(t, resp.Verdict.Message)
}

// TestScenarioRawMutationSubstitutes exercises the allow-with-mutation
// verdict shape end to end through the worker pool.
func TestScenarioRawMutationSubstitutes(t *testing.T) {
	policies := policy.Set{
		"raw-mutation": descriptor("raw-mutation.wasm", map[string]any{
			"forbiddenResources": []any{"banana", "carrot"},
			"defaultResource":    "hay",
		}),
	}
	p := bootstrapPool(t, policies, nil)

	resp := evalSync(t, p, "raw-mutation", `{"resource":"banana"}`)
	require.NoError(t, resp.Err)
	require.NotNil(t, resp.Verdict)
	require.Equal(t, verdict.AllowWithMutation, resp.Verdict.Outcome)
	require.Contains(t, string(resp.Verdict.Patch), "hay")
}

// TestScenarioSleepTimesOut exercises the per-request evaluation timeout
// end to end through the worker pool.
func TestScenarioSleepTimesOut(t *testing.T) {
	fast := policy.Set{
		"sleep": descriptor("sleep.wasm", map[string]any{"sleepMilliseconds": 2}),
	}
	p := bootstrapPool(t, fast, func(o *worker.Options) {
		o.EvaluationTimeout = 2 * time.Second
	})
	resp := evalSync(t, p, "sleep", `{}`)
	require.NoError(t, resp.Err)
	require.True(t, resp.Verdict.IsAllowed())

	slow := policy.Set{
		"sleep": descriptor("sleep.wasm", map[string]any{"sleepMilliseconds": 5000}),
	}
	p2 := bootstrapPool(t, slow, func(o *worker.Options) {
		o.EvaluationTimeout = 50 * time.Millisecond
	})
	resp2 := evalSync(t, p2, "sleep", `{}`)
	require.NoError(t, resp2.Err)
	require.NotNil(t, resp2.Verdict)
	require.Equal(t, verdict.Reject, resp2.Verdict.Outcome)
	require.True(t, resp2.Verdict.Timeout)
}

func TestUnknownPolicyReturnsNilVerdict(t *testing.T) {
	p := bootstrapPool(t, policy.Set{}, nil)
	resp := evalSync(t, p, "does-not-exist", `{}`)
	require.NoError(t, resp.Err)
	require.Nil(t, resp.Verdict)
}

func TestZeroPoolSizeIsConfigInvalid(t *testing.T) {
	h := callback.New(callback.Config{})
	_, err := worker.Bootstrap(context.Background(), worker.Options{
		Size:         0,
		Policies:     policy.Set{},
		Runtime:      fixture.Runtime{},
		HostCallback: evaluator.Bridge(h.Inbox()),
	})
	require.ErrorIs(t, err, worker.ErrPoolSizeZero)
}

func TestZeroEvaluationTimeoutAlwaysTimesOut(t *testing.T) {
	policies := policy.Set{
		"sleep": descriptor("sleep.wasm", map[string]any{"sleepMilliseconds": 1}),
	}
	p := bootstrapPool(t, policies, func(o *worker.Options) {
		o.EvaluationTimeout = 0
	})
	resp := evalSync(t, p, "sleep", `{}`)
	require.NoError(t, resp.Err)
	require.NotNil(t, resp.Verdict)
	require.True(t, resp.Verdict.Timeout)
}

func TestRoundRobinDispatchServesEveryRequest(t *testing.T) {
	policies := policy.Set{
		"raw-mutation": descriptor("raw-mutation.wasm", map[string]any{
			"forbiddenResources": []any{},
			"defaultResource":    "hay",
		}),
	}
	p := bootstrapPool(t, policies, func(o *worker.Options) {
		o.Size = 4
	})

	const total = 40
	for i := 0; i < total; i++ {
		resp := evalSync(t, p, "raw-mutation", `{"resource":"ok"}`)
		require.NoError(t, resp.Err)
		require.True(t, resp.Verdict.IsAllowed())
	}
}
