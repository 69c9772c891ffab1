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

package callback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigstore/policy-server/pkg/capability"
)

func TestHandlerDNSLookupBypassesCache(t *testing.T) {
	h := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	reply := make(chan Response, 1)
	h.Inbox() <- Request{
		Capability: capability.DNSLookupHost{Host: "localhost"},
		Reply:      reply,
		Ctx:        ctx,
	}

	select {
	case resp := <-reply:
		require.NoError(t, resp.Err)
		var addrs []string
		require.NoError(t, json.Unmarshal(resp.Payload, &addrs))
		require.NotEmpty(t, addrs)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestHandlerKubernetesNotConfiguredErrors(t *testing.T) {
	h := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	reply := make(chan Response, 1)
	h.Inbox() <- Request{
		Capability: capability.KubernetesCanI{Verb: "get", Resource: "pods"},
		Reply:      reply,
		Ctx:        ctx,
	}

	select {
	case resp := <-reply:
		require.Error(t, resp.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestHandlerShutdownStopsAcceptingRequests(t *testing.T) {
	h := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	h.Shutdown()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not exit after shutdown")
	}
}

func TestHandlerDropsReplyWhenCallerContextDone(t *testing.T) {
	h := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	callerCtx, callerCancel := context.WithCancel(context.Background())
	callerCancel()

	reply := make(chan Response, 1)
	h.Inbox() <- Request{
		Capability: capability.DNSLookupHost{Host: "localhost"},
		Reply:      reply,
		Ctx:        callerCtx,
	}

	select {
	case <-reply:
		t.Fatal("expected no reply to be delivered once the caller's context is done")
	case <-time.After(200 * time.Millisecond):
	}
}
