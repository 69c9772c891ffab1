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

package policy

import (
	"encoding/json"
	"fmt"
	"os"

	sigsyaml "sigs.k8s.io/yaml"
)

// rawEntry lets us sniff whether a configuration document entry is a plain
// descriptor or a group before committing to either shape: a plain
// descriptor has a top-level "url", a group has "expression"/"policies".
type rawEntry struct {
	URL        string `json:"url"`
	Expression string `json:"expression"`
}

// LoadFile reads and validates the policy configuration document at path
//. The document is a YAML mapping of
// policy-id to either a plain descriptor or a policy group.
func LoadFile(path string) (Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy configuration: %w", err)
	}
	return Load(raw)
}

// Load parses a policy configuration document already in memory.
func Load(doc []byte) (Set, error) {
	asJSON, err := sigsyaml.YAMLToJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("policy configuration: %w", err)
	}

	var rawEntries map[string]json.RawMessage
	if err := json.Unmarshal(asJSON, &rawEntries); err != nil {
		return nil, fmt.Errorf("policy configuration: %w", err)
	}

	set := make(Set, len(rawEntries))
	for id, body := range rawEntries {
		var sniff rawEntry
		if err := json.Unmarshal(body, &sniff); err != nil {
			return nil, fmt.Errorf("policy %q: %w", id, err)
		}

		var entry Entry
		switch {
		case sniff.Expression != "":
			var g Group
			if err := json.Unmarshal(body, &g); err != nil {
				return nil, fmt.Errorf("policy group %q: %w", id, err)
			}
			entry = Entry{Group: &g}
		default:
			var d Descriptor
			if err := json.Unmarshal(body, &d); err != nil {
				return nil, fmt.Errorf("policy %q: %w", id, err)
			}
			entry = Entry{Descriptor: &d}
		}
		set[id] = entry
	}

	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("policy configuration: %w", err)
	}
	return set, nil
}
