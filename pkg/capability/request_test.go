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

package capability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheKeyStableAndDistinct(t *testing.T) {
	a := OCIManifestDigest{Image: "ghcr.io/kubewarden/policies/pod-privileged:v0.2.5"}
	b := OCIManifestDigest{Image: "ghcr.io/kubewarden/policies/pod-privileged:v0.2.5"}
	c := OCIManifestDigest{Image: "ghcr.io/kubewarden/policies/raw-mutation:v0.1.0"}

	keyA, cacheableA := a.CacheKey()
	keyB, cacheableB := b.CacheKey()
	keyC, cacheableC := c.CacheKey()

	require.True(t, cacheableA)
	require.True(t, cacheableB)
	require.True(t, cacheableC)
	require.Equal(t, keyA, keyB)
	require.NotEqual(t, keyA, keyC)
}

func TestCacheKeyDistinguishesKinds(t *testing.T) {
	manifest := OCIManifest{Image: "example.com/img:latest"}
	digest := OCIManifestDigest{Image: "example.com/img:latest"}

	keyManifest, _ := manifest.CacheKey()
	keyDigest, _ := digest.CacheKey()
	require.NotEqual(t, keyManifest, keyDigest)
}

func TestDNSLookupHostNeverCacheable(t *testing.T) {
	_, cacheable := DNSLookupHost{Host: "example.com"}.CacheKey()
	require.False(t, cacheable)
}

func TestDisableCacheBypassesCaching(t *testing.T) {
	_, cacheable := KubernetesGetResource{APIVersion: "v1", Kind_: "Pod", Name: "x", DisableCache: true}.CacheKey()
	require.False(t, cacheable)

	_, cacheable = KubernetesGetResource{APIVersion: "v1", Kind_: "Pod", Name: "x", DisableCache: false}.CacheKey()
	require.True(t, cacheable)
}

func TestKubernetesListChangedSinceNeverCacheable(t *testing.T) {
	_, cacheable := KubernetesListChangedSince{APIVersion: "v1", Kind_: "Namespace"}.CacheKey()
	require.False(t, cacheable)
}
