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

const sampleConfig = `
pod-privileged:
  url: registry://ghcr.io/kubewarden/policies/pod-privileged:v0.2.5
  mode: protect
  mutating: false
  settings:
    foo: bar

raw-mutation:
  url: file:///tmp/policies/raw-mutation.wasm
  mode: protect
  mutating: true

namespace-label-propagator:
  url: https://example.com/policies/namespace-label-propagator.wasm
  mode: monitor
  contextAwareResources:
  - apiVersion: v1
    kind: Namespace

combined-check:
  expression: "pod-privileged-member && !raw-mutation-member"
  message: "denied by combined-check"
  mode: protect
  policies:
    pod-privileged-member:
      url: registry://ghcr.io/kubewarden/policies/pod-privileged:v0.2.5
    raw-mutation-member:
      url: file:///tmp/policies/raw-mutation.wasm
`

func TestLoad(t *testing.T) {
	set, err := Load([]byte(sampleConfig))
	require.NoError(t, err)
	require.Len(t, set, 4)

	pp := set["pod-privileged"]
	require.False(t, pp.IsGroup())
	require.NotNil(t, pp.Descriptor)
	require.Equal(t, "registry://ghcr.io/kubewarden/policies/pod-privileged:v0.2.5", pp.Descriptor.URL)
	require.Equal(t, ModeProtect, pp.Descriptor.EffectiveMode())
	require.Equal(t, "bar", pp.Descriptor.Settings["foo"])

	rm := set["raw-mutation"]
	require.True(t, rm.Descriptor.MutationAllowed)

	nsp := set["namespace-label-propagator"]
	require.Equal(t, ModeMonitor, nsp.Descriptor.EffectiveMode())
	require.Len(t, nsp.Descriptor.ContextAwareResources, 1)
	require.Equal(t, "Namespace", nsp.Descriptor.ContextAwareResources[0].Kind)

	cc := set["combined-check"]
	require.True(t, cc.IsGroup())
	require.NotNil(t, cc.Group)
	require.Len(t, cc.Group.Members, 2)

	ok, err := cc.Group.Evaluate(map[string]bool{
		"pod-privileged-member": true,
		"raw-mutation-member":   false,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"missing url": `
p1:
  mode: protect
`,
		"group missing expression": `
g1:
  policies:
    m1:
      url: file:///m1.wasm
`,
		"malformed yaml": `
p1: [this, is, not, a, mapping
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(doc))
			require.Error(t, err)
		})
	}
}
