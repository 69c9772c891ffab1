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

// Package worker implements C5 (the worker) and C6 (the worker pool),
// grounded directly on original_source/policy-server/src/worker.rs's
// Worker/WorkerPool: a single-threaded owner of an evaluator-per-policy
// map, consuming evaluation requests from a dedicated inbox.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"time"

	"github.com/sigstore/policy-server/pkg/evaluator"
	"github.com/sigstore/policy-server/pkg/log"
	"github.com/sigstore/policy-server/pkg/verdict"
)

// EvalRequest is one admission evaluation request sent to the pool's
// evaluation inbox: a policy key, a request body, and a single-use reply
// slot. Ctx carries the correlation span and is also the source of any
// caller-imposed cancellation.
type EvalRequest struct {
	PolicyID string
	Body     json.RawMessage
	Reply    chan EvalResponse
	Ctx      context.Context
}

// EvalResponse is what a worker writes to EvalRequest.Reply. Verdict is nil
// for UnknownPolicy: the policy key named by the request is not present in
// this worker's evaluator map.
type EvalResponse struct {
	Verdict *verdict.Verdict
	Err     error
}

// Worker is C5: the exclusive owner of one evaluator-per-policy map, run on
// its own goroutine locked to a dedicated OS thread; its evaluators are
// never handed to another worker.
type Worker struct {
	id         int
	evaluators map[string]evaluator.Evaluator
	inbox      chan EvalRequest
	timeout    time.Duration

	// crashed is signaled exactly once, with w.id, if Run's recover catches
	// a panic. The pool listens on this to stop routing requests to a dead
	// worker.
	crashed chan<- int
}

// Run is the worker's blocking main loop: receive, look up, validate,
// reply; continues until the inbox is closed or ctx is done. A panic inside
// a single Validate call terminates this worker only; the in-flight
// request that caused it never receives a reply, an accepted consequence
// of the no-respawn decision recorded in DESIGN.md.
func (w *Worker) Run(ctx context.Context) {
	// Keep this worker on one dedicated OS thread for its whole life, so a
	// blocking host callback never occupies a thread other goroutines run on.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	logger := log.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("worker: panic, terminating this worker only", "worker_id", w.id, "panic", r)
			if w.crashed != nil {
				w.crashed <- w.id
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-w.inbox:
			if !ok {
				return
			}
			w.handle(ctx, req)
		}
	}
}

func (w *Worker) handle(ctx context.Context, req EvalRequest) {
	ev, ok := w.evaluators[req.PolicyID]
	if !ok {
		req.Reply <- EvalResponse{}
		return
	}

	evalCtx := req.Ctx
	if evalCtx == nil {
		evalCtx = ctx
	}
	if w.timeout >= 0 {
		// A zero timeout is not "no timeout": context.WithTimeout(ctx, 0)
		// expires immediately, so every Validate call reports Timeout.
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(evalCtx, w.timeout)
		defer cancel()
	}

	v, err := ev.Validate(evalCtx, req.Body)
	// An evaluator that ignores ctx still returns after its budget expired;
	// its result is then reported as a timeout as well.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
		req.Reply <- EvalResponse{Verdict: verdictPtr(verdict.NewRejectTimeout())}
		return
	}
	if err != nil {
		req.Reply <- EvalResponse{Err: err}
		return
	}
	req.Reply <- EvalResponse{Verdict: verdictPtr(v)}
}

func verdictPtr(v verdict.Verdict) *verdict.Verdict { return &v }
