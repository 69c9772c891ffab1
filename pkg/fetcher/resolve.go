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

package fetcher

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/sigstore/policy-server/pkg/policy"
)

// ResolveSet fetches every descriptor/member URL in set and returns a copy
// with each one's local module path filled in. Fetches run one at a time,
// in map iteration order (which is not fixed), and each FetchFailed error
// names the policy it belongs to; concurrency within bootstrap happens at
// the worker-pool layer (pkg/worker), not here.
func (f *Fetcher) ResolveSet(ctx context.Context, set policy.Set, continueOnErrors bool) (policy.Set, error) {
	resolved := make(policy.Set, len(set))
	var errs *multierror.Error

	for id, entry := range set {
		switch {
		case entry.IsGroup():
			g := *entry.Group
			members := make(map[string]policy.GroupMember, len(g.Members))
			ok := true
			for name, m := range g.Members {
				path, err := f.Fetch(ctx, m.URL)
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("policy group %q member %q: %w", id, name, err))
					ok = false
					continue
				}
				members[name] = m.WithModulePath(path)
			}
			if !ok {
				// An incomplete member map can never be evaluated, so this
				// group is omitted regardless of continueOnErrors.
				continue
			}
			g.Members = members
			resolved[id] = policy.Entry{Group: &g}
		default:
			d := *entry.Descriptor
			path, err := f.Fetch(ctx, d.URL)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("policy %q: %w", id, err))
				continue
			}
			d = d.WithModulePath(path)
			resolved[id] = policy.Entry{Descriptor: &d}
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		if continueOnErrors {
			return resolved, nil
		}
		return nil, fmt.Errorf("resolving policy modules: %w", err)
	}
	return resolved, nil
}
