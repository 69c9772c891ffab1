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
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetOrComputeCachesSecondCall(t *testing.T) {
	c := NewCache(0, 0)

	var calls int32
	produce := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "value", nil
	}

	r1, err := c.GetOrCompute(context.Background(), "k", produce)
	require.NoError(t, err)
	require.False(t, r1.WasCached)
	require.Equal(t, "value", r1.Value)

	r2, err := c.GetOrCompute(context.Background(), "k", produce)
	require.NoError(t, err)
	require.True(t, r2.WasCached)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrComputeCoalescesConcurrentCallers(t *testing.T) {
	c := NewCache(0, 0)

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	produce := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return "value", nil
	}

	results := make(chan Result, 2)
	go func() {
		r, err := c.GetOrCompute(context.Background(), "k", produce)
		require.NoError(t, err)
		results <- r
	}()

	<-started
	go func() {
		r, err := c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return "value", nil
		})
		require.NoError(t, err)
		results <- r
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	r1 := <-results
	r2 := <-results
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.ElementsMatch(t, []bool{false, true}, []bool{r1.WasCached, r2.WasCached})
}

func TestGetOrComputeDoesNotCacheErrors(t *testing.T) {
	c := NewCache(0, 0)

	var calls int32
	produce := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, errBoom
		}
		return "ok", nil
	}

	_, err := c.GetOrCompute(context.Background(), "k", produce)
	require.ErrorIs(t, err, errBoom)

	r, err := c.GetOrCompute(context.Background(), "k", produce)
	require.NoError(t, err)
	require.Equal(t, "ok", r.Value)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestResolveBypassesCacheForUncacheableRequests(t *testing.T) {
	c := NewCache(0, 0)

	var calls int32
	produce := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "answer", nil
	}

	req := DNSLookupHost{Host: "example.com"}
	_, err := c.Resolve(context.Background(), req, produce)
	require.NoError(t, err)
	_, err = c.Resolve(context.Background(), req, produce)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestResolveCachesCacheableRequests(t *testing.T) {
	c := NewCache(0, 0)

	var calls int32
	produce := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "sha256:abc", nil
	}

	req := OCIManifestDigest{Image: "ghcr.io/kubewarden/policies/pod-privileged:v0.2.5"}
	_, err := c.Resolve(context.Background(), req, produce)
	require.NoError(t, err)
	_, err = c.Resolve(context.Background(), req, produce)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

type boomError struct{ msg string }

func (e *boomError) Error() string { return e.msg }

var errBoom = &boomError{msg: "boom"}
