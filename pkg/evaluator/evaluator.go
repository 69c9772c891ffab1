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

// Package evaluator implements C4 (the evaluator handle) and C7 (the
// sync->async bridge a sandbox's host callback uses to reach the
// asynchronous callback handler). Spec.md §1 places the sandbox runtime
// itself out of scope ("we specify what the core passes to and expects
// back from an evaluator, not how bytecode executes"); Runtime and
// Evaluator below are the seam that boundary leaves, mirroring
// original_source/policy-server/src/worker.rs treating its PolicyEvaluator
// as an opaque type the worker only ever calls .validate() on.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sigstore/policy-server/pkg/capability"
	"github.com/sigstore/policy-server/pkg/callback"
	"github.com/sigstore/policy-server/pkg/verdict"
)

// HostCallback is the function a sandbox invokes synchronously from inside
// Validate to reach a host capability. It is implemented once, by Bridge,
// and handed to every Runtime.NewEvaluator call; a Runtime should never
// need to implement this itself.
type HostCallback func(ctx context.Context, req capability.Request) ([]byte, error)

// Runtime instantiates policy modules. A real implementation loads and runs
// sandboxed bytecode; pkg/evaluator/fixture is a deterministic stand-in used
// by tests and integration scenarios.
type Runtime interface {
	// NewEvaluator instantiates the module at modulePath with settings,
	// wiring host into it as the capability the module calls host functions
	// through. The returned Evaluator is not thread-safe and must be owned
	// by exactly one worker.
	NewEvaluator(ctx context.Context, modulePath string, settings map[string]any, host HostCallback) (Evaluator, error)
}

// Evaluator is one instantiated policy module bound to its settings,
// capable of producing a verdict for an admission request body.
type Evaluator interface {
	Validate(ctx context.Context, input json.RawMessage) (verdict.Verdict, error)
}

// Bridge is C7: it builds the HostCallback a Runtime wires into its
// sandbox, closing over the callback handler's inbox. Calling the returned
// function from inside a worker's Validate call blocks the worker thread
// until the handler replies — sound only because workers run on dedicated
// OS threads, never on the async runtime's executor pool.
//
// No worker ever awaits a future and no async task ever blocks on a worker
// reply; the inbox send plus the blocking receive on a single-use,
// buffered-by-one reply channel is the entire crossing.
func Bridge(inbox chan<- callback.Request) HostCallback {
	return func(ctx context.Context, req capability.Request) ([]byte, error) {
		reply := make(chan callback.Response, 1)
		select {
		case inbox <- callback.Request{Capability: req, Reply: reply, Ctx: ctx}:
		case <-ctx.Done():
			return nil, fmt.Errorf("capability request %s: %w", req.Kind(), ctx.Err())
		}

		select {
		case resp := <-reply:
			if resp.Err != nil {
				return nil, resp.Err
			}
			return resp.Payload, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("capability request %s: %w", req.Kind(), ctx.Err())
		}
	}
}

// Handle wraps one instantiated Evaluator with the policy-key it serves,
// letting pkg/worker treat a map of these as its evaluator map.
type Handle struct {
	PolicyID  string
	Evaluator Evaluator
}

// Validate delegates to the underlying Evaluator, giving pkg/worker a
// single call site regardless of which Runtime produced the handle.
func (h Handle) Validate(ctx context.Context, input json.RawMessage) (verdict.Verdict, error) {
	return h.Evaluator.Validate(ctx, input)
}
