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

// Package callback implements C3: the long-running task that services
// host-capability requests originating from inside the sandbox, grounded
// directly on original_source/policy-evaluator/src/callback_handler.rs's
// single inbound channel + oneshot shutdown + per-request spawned dispatch.
package callback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sigstore/policy-server/pkg/capability"
	"github.com/sigstore/policy-server/pkg/capability/providers"
	"github.com/sigstore/policy-server/pkg/log"
)

// Request is one host-capability call dispatched to the handler. Reply is
// single-use, single-writer, single-reader: the handler writes to it
// exactly once, from exactly one goroutine.
//
// Ctx carries the originating evaluation's cancellation; if it is already
// done by the time the handler is ready to reply, the reply is dropped
// rather than sent.
type Request struct {
	Capability capability.Request
	Reply      chan Response
	Ctx        context.Context
}

// Response is what the handler writes to Request.Reply: either a
// binary-stable serialised payload, or the provider/serialization error.
type Response struct {
	Payload []byte
	Err     error
}

// Handler is C3. Its zero value is not usable; build one with New.
type Handler struct {
	cache      *capability.Cache
	oci        *providers.OCI
	sigstore   *providers.Sigstore
	kubernetes *providers.Kubernetes

	inbox    chan Request
	shutdown chan struct{}
}

// Config supplies the provider clients the handler dispatches onto.
// Kubernetes may be nil; every Kubernetes-kind request then fails with
// providers.ErrNotConfigured instead of panicking.
type Config struct {
	Cache      *capability.Cache
	OCI        *providers.OCI
	Sigstore   *providers.Sigstore
	Kubernetes *providers.Kubernetes
	// InboxSize bounds how many capability requests may be queued before a
	// sender (a worker thread, via the sync->async bridge) blocks. Zero
	// means unbuffered, which is a legal and simple default: a worker
	// blocks on Send until the handler's Run loop starts the next receive.
	InboxSize int
}

// New builds a Handler that has not started running yet; call Run to start
// its main loop.
func New(cfg Config) *Handler {
	if cfg.Cache == nil {
		cfg.Cache = capability.NewCache(0, 0)
	}
	return &Handler{
		cache:      cfg.Cache,
		oci:        cfg.OCI,
		sigstore:   cfg.Sigstore,
		kubernetes: cfg.Kubernetes,
		inbox:      make(chan Request, cfg.InboxSize),
		shutdown:   make(chan struct{}),
	}
}

// Inbox is the send side of the handler's request channel. This is the only
// shared contact surface between the sync (worker) and async (handler)
// worlds.
func (h *Handler) Inbox() chan<- Request {
	return h.inbox
}

// Shutdown signals the handler to stop accepting new requests. It is safe
// to call exactly once; a second call panics on a closed channel.
func (h *Handler) Shutdown() {
	close(h.shutdown)
}

// Run is the handler's main loop: {Idle -> Receiving -> Dispatching -> Idle},
// terminating on shutdown. It biases toward
// shutdown so a signal delivered concurrently with a pending send is
// observed promptly, and it returns without draining any request still
// sitting in the inbox.
func (h *Handler) Run(ctx context.Context) {
	logger := log.FromContext(ctx)
	for {
		select {
		case <-h.shutdown:
			logger.Debug("callback handler: shutdown signal received, exiting")
			return
		default:
		}

		select {
		case <-h.shutdown:
			logger.Debug("callback handler: shutdown signal received, exiting")
			return
		case req := <-h.inbox:
			go h.dispatch(ctx, req)
		}
	}
}

// dispatch resolves one capability request and writes its single reply.
// It runs in its own goroutine so outbound I/O never serialises the next
// inbound receive.
func (h *Handler) dispatch(ctx context.Context, req Request) {
	logger := log.FromContext(ctx)

	value, err := h.cache.Resolve(ctx, req.Capability, func(ctx context.Context) (any, error) {
		return h.invoke(ctx, req.Capability)
	})

	var resp Response
	if err != nil {
		resp = Response{Err: fmt.Errorf("%s: %w", req.Capability.Kind(), err)}
	} else {
		payload, marshalErr := json.Marshal(value.Value)
		if marshalErr != nil {
			resp = Response{Err: fmt.Errorf("%s: serializing response: %w", req.Capability.Kind(), marshalErr)}
		} else {
			resp = Response{Payload: payload}
		}
	}

	replyCtx := req.Ctx
	if replyCtx == nil {
		replyCtx = context.Background()
	}
	if replyCtx.Err() != nil {
		logger.Warnw("callback handler: dropping reply, caller gone", "kind", req.Capability.Kind(), "err", replyCtx.Err())
		return
	}

	// req.Reply is created with capacity 1 by the bridge (pkg/evaluator), so
	// this send never blocks: it is the single write this slot will ever
	// receive.
	req.Reply <- resp
}

// invoke routes req to its C2 provider. Every branch returns a plain,
// JSON-marshalable value; cache.Resolve wraps this in coalescing/caching as
// appropriate for req's cache key.
func (h *Handler) invoke(ctx context.Context, req capability.Request) (any, error) {
	switch r := req.(type) {
	case capability.OCIManifestDigest:
		return h.oci.ManifestDigest(ctx, r.Image)
	case capability.OCIManifest:
		return h.oci.Manifest(ctx, r.Image)
	case capability.OCIManifestAndConfig:
		return h.oci.ManifestAndConfig(ctx, r.Image)
	case capability.SigstorePubKeyVerify:
		return h.sigstore.PubKeyVerify(ctx, r.Image, r.PubKeys, r.Annotations)
	case capability.SigstoreKeylessVerify:
		return h.sigstore.KeylessVerify(ctx, r.Image, toProviderIdentities(r.Keyless), r.Annotations)
	case capability.SigstoreKeylessPrefixVerify:
		return h.sigstore.KeylessPrefixVerify(ctx, r.Image, toProviderPrefixIdentities(r.KeylessPrefix), r.Annotations)
	case capability.SigstoreGithubActionsVerify:
		return h.sigstore.GithubActionsVerify(ctx, r.Image, r.Owner, r.Repo, r.Annotations)
	case capability.SigstoreCertificateVerify:
		return h.sigstore.CertificateVerify(ctx, r.Image, r.Certificate, r.CertificateChain, r.RequireRekorBundle, r.Annotations)
	case capability.DNSLookupHost:
		return dnsLookupHost(ctx, r.Host)
	case capability.KubernetesListResourceNamespace:
		return h.kubernetes.ListResourceNamespace(ctx, r.APIVersion, r.Kind_, r.Namespace, r.LabelSelector, r.FieldSelector)
	case capability.KubernetesListResourceAll:
		return h.kubernetes.ListResourceAll(ctx, r.APIVersion, r.Kind_, r.LabelSelector, r.FieldSelector)
	case capability.KubernetesGetResource:
		return h.kubernetes.GetResource(ctx, r.APIVersion, r.Kind_, r.Name, r.Namespace)
	case capability.KubernetesGetResourcePluralName:
		return h.kubernetes.GetResourcePluralName(ctx, r.APIVersion, r.Kind_)
	case capability.KubernetesListChangedSince:
		return h.kubernetes.ListChangedSince(ctx, r.APIVersion, r.Kind_, r.LabelSelector, r.FieldSelector, r.SinceUnixNano)
	case capability.KubernetesCanI:
		return h.kubernetes.CanI(ctx, r.Group, r.Resource, r.Subresource, r.Verb, r.Name, r.Namespace)
	default:
		return nil, fmt.Errorf("unknown capability request type %T", req)
	}
}

func toProviderIdentities(ids []capability.SigstoreKeylessInfo) []providers.Identity {
	out := make([]providers.Identity, len(ids))
	for i, id := range ids {
		out[i] = providers.Identity{Issuer: id.Issuer, Subject: id.Subject}
	}
	return out
}

func toProviderPrefixIdentities(ids []capability.SigstoreKeylessPrefixInfo) []providers.PrefixIdentity {
	out := make([]providers.PrefixIdentity, len(ids))
	for i, id := range ids {
		out[i] = providers.PrefixIdentity{Issuer: id.Issuer, SubjectPrefix: id.SubjectPrefix}
	}
	return out
}
