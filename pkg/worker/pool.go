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

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sigstore/policy-server/pkg/evaluator"
	"github.com/sigstore/policy-server/pkg/log"
	"github.com/sigstore/policy-server/pkg/policy"
)

// ErrPoolSizeZero is the ConfigInvalid error reported when pool_size is
// zero: bootstrap must fail rather than build a pool with no workers.
var ErrPoolSizeZero = fmt.Errorf("worker: pool_size must be greater than zero")

// ErrNoWorkersAvailable is returned when every worker has crashed and none
// remain to service a request.
var ErrNoWorkersAvailable = fmt.Errorf("worker: no workers available")

// Options configures Bootstrap.
type Options struct {
	// Size is N, the number of workers to build. Zero is ConfigInvalid.
	Size int
	// Policies is the full policy set every worker replicates in its own
	// evaluator map.
	Policies policy.Set
	// Runtime instantiates one Evaluator per policy entry, once per
	// worker, so no two workers ever share an evaluator instance.
	Runtime evaluator.Runtime
	// HostCallback is wired into every evaluator this pool builds; it is
	// stateless and safe to share, since it only closes over the callback
	// handler's inbox channel.
	HostCallback evaluator.HostCallback
	// EvaluationTimeout bounds a single worker's time inside Validate.
	EvaluationTimeout time.Duration
	// ContinueOnErrors lets bootstrap skip policies that failed to
	// instantiate instead of failing the whole pool.
	ContinueOnErrors bool
	// InboxSize bounds how deep each worker's private inbox may queue
	// before the pool's dispatch loop blocks on it.
	InboxSize int
}

// Pool is C6: builds N workers at bootstrap and fans inbound evaluation
// requests to them round-robin.
type Pool struct {
	size     int
	workers  []chan EvalRequest
	crashed  chan int
	inbound  chan EvalRequest
	shutdown chan struct{}

	mu    sync.Mutex
	alive []bool
	next  int
}

// Bootstrap builds a Pool per opts: one dedicated goroutine per worker, but
// map construction itself runs here so bootstrap can report a single
// aggregated outcome before any worker starts serving traffic.
func Bootstrap(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Size <= 0 {
		return nil, ErrPoolSizeZero
	}

	p := &Pool{
		size:     opts.Size,
		workers:  make([]chan EvalRequest, opts.Size),
		crashed:  make(chan int, opts.Size),
		inbound:  make(chan EvalRequest),
		shutdown: make(chan struct{}),
		alive:    make([]bool, opts.Size),
	}

	var bootErr *multierror.Error
	for i := 0; i < opts.Size; i++ {
		evaluators, err := buildEvaluatorMap(ctx, opts.Policies, opts.Runtime, opts.HostCallback, opts.ContinueOnErrors)
		if err != nil {
			bootErr = multierror.Append(bootErr, fmt.Errorf("worker %d: %w", i, err))
			continue
		}
		p.workers[i] = make(chan EvalRequest, opts.InboxSize)
		p.alive[i] = true
		w := &Worker{
			id:         i,
			evaluators: evaluators,
			inbox:      p.workers[i],
			timeout:    opts.EvaluationTimeout,
			crashed:    p.crashed,
		}
		go w.Run(ctx)
	}

	if err := bootErr.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("worker pool bootstrap: %w", err)
	}
	return p, nil
}

// buildEvaluatorMap instantiates one Evaluator per policy.Set entry. Groups
// get a GroupEvaluator wrapping one Evaluator per named member.
func buildEvaluatorMap(ctx context.Context, policies policy.Set, rt evaluator.Runtime, host evaluator.HostCallback, continueOnErrors bool) (map[string]evaluator.Evaluator, error) {
	out := make(map[string]evaluator.Evaluator, len(policies))
	var errs *multierror.Error

	for id, entry := range policies {
		switch {
		case entry.IsGroup():
			members := make(map[string]evaluator.Evaluator, len(entry.Group.Members))
			memberFailed := false
			for name, m := range entry.Group.Members {
				ev, err := rt.NewEvaluator(ctx, m.ModulePath(), m.Settings, host)
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("policy group %q member %q: %w", id, name, err))
					memberFailed = true
					continue
				}
				members[name] = ev
			}
			if memberFailed {
				// An incomplete member map can never produce a valid
				// verdict, so this group is omitted regardless of
				// continueOnErrors; continueOnErrors only decides whether
				// the other policies in this worker's map still load.
				continue
			}
			out[id] = evaluator.GroupEvaluator{Group: *entry.Group, Members: members}
		default:
			ev, err := rt.NewEvaluator(ctx, entry.Descriptor.ModulePath(), entry.Descriptor.Settings, host)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("policy %q: %w", id, err))
				continue
			}
			out[id] = ev
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		if continueOnErrors {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

// Inbox is the send side of the pool's single inbound evaluation channel.
func (p *Pool) Inbox() chan<- EvalRequest {
	return p.inbound
}

// Run is the pool's dispatch loop: reads one EvalRequest at a time and
// forwards it to the next alive worker, round-robin. It also
// retires workers reported crashed via Worker.crashed.
func (p *Pool) Run(ctx context.Context) {
	logger := log.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case id := <-p.crashed:
			p.mu.Lock()
			p.alive[id] = false
			p.mu.Unlock()
			logger.Warnw("worker pool: worker retired after panic, pool continues with remaining workers", "worker_id", id)
		case req := <-p.inbound:
			ch, ok := p.nextWorker()
			if !ok {
				req.Reply <- EvalResponse{Err: ErrNoWorkersAvailable}
				continue
			}
			ch <- req
		}
	}
}

// nextWorker picks the next alive worker's channel in round-robin order,
// advancing the cursor past it.
func (p *Pool) nextWorker() (chan EvalRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		idx := (p.next + i) % p.size
		if p.alive[idx] {
			p.next = (idx + 1) % p.size
			return p.workers[idx], true
		}
	}
	return nil, false
}

// Shutdown signals the dispatch loop to exit on its next iteration and
// closes every worker's inbox, so each worker drains and exits when its own
// inbox empties. The pool's inbound channel is not closed: a send on Inbox
// after Shutdown is never received.
func (p *Pool) Shutdown() {
	close(p.shutdown)
	for _, w := range p.workers {
		if w != nil {
			close(w)
		}
	}
}
