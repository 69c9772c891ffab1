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

package evaluator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sigstore/policy-server/pkg/policy"
	"github.com/sigstore/policy-server/pkg/verdict"
)

// GroupEvaluator implements Evaluator for a policy.Group: it runs every
// member evaluator against the same input, substitutes each member's
// allow/deny outcome into the group's boolean expression, and reports the group's configured
// message on rejection.
type GroupEvaluator struct {
	Group   policy.Group
	Members map[string]Evaluator
}

// Validate runs every member and combines their results per g.Group's
// expression. A member whose own Validate call errors counts as denied for
// the purposes of the expression, and its error is attached to context for
// the reject message.
func (g GroupEvaluator) Validate(ctx context.Context, input json.RawMessage) (verdict.Verdict, error) {
	results := make(map[string]bool, len(g.Members))
	var firstErr error
	for name := range g.Group.Members {
		ev, ok := g.Members[name]
		if !ok {
			return verdict.Verdict{}, fmt.Errorf("policy group: member %q has no evaluator", name)
		}
		v, err := ev.Validate(ctx, input)
		if err != nil {
			results[name] = false
			if firstErr == nil {
				firstErr = fmt.Errorf("member %q: %w", name, err)
			}
			continue
		}
		results[name] = v.IsAllowed()
	}

	admit, err := g.Group.Evaluate(results)
	if err != nil {
		return verdict.Verdict{}, fmt.Errorf("evaluating group expression: %w", err)
	}

	if admit {
		return verdict.NewAllow(), nil
	}

	message := g.Group.Message
	if message == "" {
		message = "policy group rejected the request"
	}
	if firstErr != nil {
		message = fmt.Sprintf("%s: %v", message, firstErr)
	}
	return verdict.NewReject(message), nil
}
