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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorEffectiveMode(t *testing.T) {
	require.Equal(t, ModeProtect, Descriptor{}.EffectiveMode())
	require.Equal(t, ModeMonitor, Descriptor{Mode: ModeMonitor}.EffectiveMode())
}

func TestDescriptorModulePathRoundTrip(t *testing.T) {
	d := Descriptor{URL: "registry://example.com/policy:latest"}
	require.Empty(t, d.ModulePath())

	resolved := d.WithModulePath("/var/lib/policies/abc.wasm")
	require.Equal(t, "/var/lib/policies/abc.wasm", resolved.ModulePath())
	require.Empty(t, d.ModulePath(), "WithModulePath must not mutate the receiver")
}

func TestGroupEvaluate(t *testing.T) {
	g := Group{
		Expression: "a && !b",
		Members: map[string]GroupMember{
			"a": {URL: "file:///a.wasm"},
			"b": {URL: "file:///b.wasm"},
		},
	}

	ok, err := g.Evaluate(map[string]bool{"a": true, "b": false})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.Evaluate(map[string]bool{"a": true, "b": true})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetValidate(t *testing.T) {
	cases := []struct {
		name    string
		set     Set
		wantErr bool
	}{
		{
			name: "valid descriptor",
			set: Set{
				"p1": {Descriptor: &Descriptor{URL: "file:///p1.wasm"}},
			},
		},
		{
			name: "valid group",
			set: Set{
				"g1": {Group: &Group{
					Expression: "m1",
					Members:    map[string]GroupMember{"m1": {URL: "file:///m1.wasm"}},
				}},
			},
		},
		{
			name:    "empty entry",
			set:     Set{"p1": {}},
			wantErr: true,
		},
		{
			name: "both descriptor and group",
			set: Set{
				"p1": {
					Descriptor: &Descriptor{URL: "file:///p1.wasm"},
					Group:      &Group{Expression: "x", Members: map[string]GroupMember{"x": {URL: "file:///x.wasm"}}},
				},
			},
			wantErr: true,
		},
		{
			name:    "descriptor missing url",
			set:     Set{"p1": {Descriptor: &Descriptor{}}},
			wantErr: true,
		},
		{
			name:    "group missing expression",
			set:     Set{"g1": {Group: &Group{Members: map[string]GroupMember{"m1": {URL: "file:///m1.wasm"}}}}},
			wantErr: true,
		},
		{
			name:    "group with no members",
			set:     Set{"g1": {Group: &Group{Expression: "m1"}}},
			wantErr: true,
		},
		{
			name: "group member missing url",
			set: Set{
				"g1": {Group: &Group{Expression: "m1", Members: map[string]GroupMember{"m1": {}}}},
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.set.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
