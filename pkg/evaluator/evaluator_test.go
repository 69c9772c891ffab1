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

package evaluator_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigstore/policy-server/pkg/callback"
	"github.com/sigstore/policy-server/pkg/capability"
	"github.com/sigstore/policy-server/pkg/evaluator"
)

func TestBridgeRoundTripsThroughCallbackHandler(t *testing.T) {
	h := callback.New(callback.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	host := evaluator.Bridge(h.Inbox())

	payload, err := host(ctx, capability.DNSLookupHost{Host: "localhost"})
	require.NoError(t, err)

	var addrs []string
	require.NoError(t, json.Unmarshal(payload, &addrs))
	require.NotEmpty(t, addrs)
}

func TestBridgeReturnsErrorWhenContextCanceledBeforeReply(t *testing.T) {
	// An inbox with no running handler never replies; the bridge must still
	// return once the caller's context is canceled, rather than block
	// forever.
	inbox := make(chan callback.Request)
	host := evaluator.Bridge(inbox)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := host(ctx, capability.DNSLookupHost{Host: "localhost"})
	require.Error(t, err)
}
