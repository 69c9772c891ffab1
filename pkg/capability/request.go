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

// Package capability implements C1: the cache the callback handler (C3)
// consults before invoking a host-capability provider (C2), plus the
// closed set of request variants those providers can be asked to resolve.
package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Request is one host-capability call a sandboxed policy can make. Each
// concrete type below mirrors a variant of the original
// CallbackRequestType enum (original_source/policy-evaluator/src/
// callback_requests.rs, consumed by callback_handler.rs's match arms).
type Request interface {
	// Kind names the capability, used both as a log field and as the
	// namespace prefix of the cache key.
	Kind() string
	// CacheKey returns the key this request would occupy in the C1 cache,
	// and whether the request participates in caching at all. DNS lookups
	// never cache; several Kubernetes variants carry an explicit
	// DisableCache flag honored here.
	CacheKey() (key string, cacheable bool)
}

// fingerprint derives a stable cache key by namespacing a JSON encoding of
// payload under kind. Two requests of the same kind and field values always
// fingerprint identically regardless of map key order, since
// encoding/json sorts map keys.
func fingerprint(kind string, payload any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		// Marshaling a request struct built entirely of strings, slices,
		// maps and bools cannot fail; a panic here means a Request
		// implementation smuggled in something unmarshalable.
		panic(fmt.Sprintf("capability: fingerprinting %s: %v", kind, err))
	}
	sum := sha256.Sum256(b)
	return kind + ":" + hex.EncodeToString(sum[:])
}

// OCIManifestDigest resolves the digest of an image reference.
type OCIManifestDigest struct {
	Image string
}

func (r OCIManifestDigest) Kind() string { return "oci-manifest-digest" }
func (r OCIManifestDigest) CacheKey() (string, bool) {
	return fingerprint(r.Kind(), r), true
}

// OCIManifest resolves the manifest of an image reference.
type OCIManifest struct {
	Image string
}

func (r OCIManifest) Kind() string { return "oci-manifest" }
func (r OCIManifest) CacheKey() (string, bool) {
	return fingerprint(r.Kind(), r), true
}

// OCIManifestAndConfig resolves the manifest and config layer of an image
// reference.
type OCIManifestAndConfig struct {
	Image string
}

func (r OCIManifestAndConfig) Kind() string { return "oci-manifest-and-config" }
func (r OCIManifestAndConfig) CacheKey() (string, bool) {
	return fingerprint(r.Kind(), r), true
}

// SigstorePubKeyVerify verifies an image's signature against a fixed set of
// public keys.
type SigstorePubKeyVerify struct {
	Image       string
	PubKeys     []string
	Annotations map[string]string
}

func (r SigstorePubKeyVerify) Kind() string { return "sigstore-pubkey-verify" }
func (r SigstorePubKeyVerify) CacheKey() (string, bool) {
	return fingerprint(r.Kind(), r), true
}

// SigstoreKeylessInfo identifies one trusted issuer/subject pair for
// keyless verification.
type SigstoreKeylessInfo struct {
	Issuer  string
	Subject string
}

// SigstoreKeylessVerify verifies an image's signature was produced keylessly
// by one of a fixed set of issuer/subject identities.
type SigstoreKeylessVerify struct {
	Image       string
	Keyless     []SigstoreKeylessInfo
	Annotations map[string]string
}

func (r SigstoreKeylessVerify) Kind() string { return "sigstore-keyless-verify" }
func (r SigstoreKeylessVerify) CacheKey() (string, bool) {
	return fingerprint(r.Kind(), r), true
}

// SigstoreKeylessPrefixInfo identifies a trusted issuer and a URL prefix the
// subject must begin with.
type SigstoreKeylessPrefixInfo struct {
	Issuer       string
	SubjectPrefix string
}

// SigstoreKeylessPrefixVerify is SigstoreKeylessVerify with prefix-matched
// subjects instead of exact ones.
type SigstoreKeylessPrefixVerify struct {
	Image         string
	KeylessPrefix []SigstoreKeylessPrefixInfo
	Annotations   map[string]string
}

func (r SigstoreKeylessPrefixVerify) Kind() string { return "sigstore-keyless-prefix-verify" }
func (r SigstoreKeylessPrefixVerify) CacheKey() (string, bool) {
	return fingerprint(r.Kind(), r), true
}

// SigstoreGithubActionsVerify verifies an image was produced by a specific
// GitHub Actions workflow (owner/repo).
type SigstoreGithubActionsVerify struct {
	Image       string
	Owner       string
	Repo        string
	Annotations map[string]string
}

func (r SigstoreGithubActionsVerify) Kind() string { return "sigstore-github-actions-verify" }
func (r SigstoreGithubActionsVerify) CacheKey() (string, bool) {
	return fingerprint(r.Kind(), r), true
}

// SigstoreCertificateVerify verifies an image's signature against an
// explicit certificate/chain instead of a Fulcio root.
type SigstoreCertificateVerify struct {
	Image              string
	Certificate        []byte
	CertificateChain   [][]byte
	RequireRekorBundle bool
	Annotations        map[string]string
}

func (r SigstoreCertificateVerify) Kind() string { return "sigstore-certificate-verify" }
func (r SigstoreCertificateVerify) CacheKey() (string, bool) {
	return fingerprint(r.Kind(), r), true
}

// DNSLookupHost resolves a hostname to its A/AAAA records. Never cached:
// the original implementation always hits the resolver directly, since
// resolver-level caching (if any) is the OS's job, not this process's.
type DNSLookupHost struct {
	Host string
}

func (r DNSLookupHost) Kind() string             { return "dns-lookup-host" }
func (r DNSLookupHost) CacheKey() (string, bool) { return "", false }

// KubernetesListResourceNamespace lists a namespaced resource kind within
// one namespace.
type KubernetesListResourceNamespace struct {
	APIVersion    string
	Kind_         string
	Namespace     string
	LabelSelector string
	FieldSelector string
}

func (r KubernetesListResourceNamespace) Kind() string { return "k8s-list-resource-namespace" }
func (r KubernetesListResourceNamespace) CacheKey() (string, bool) {
	return fingerprint(r.Kind(), r), true
}

// KubernetesListResourceAll lists a resource kind across all namespaces.
type KubernetesListResourceAll struct {
	APIVersion    string
	Kind_         string
	LabelSelector string
	FieldSelector string
}

func (r KubernetesListResourceAll) Kind() string { return "k8s-list-resource-all" }
func (r KubernetesListResourceAll) CacheKey() (string, bool) {
	return fingerprint(r.Kind(), r), true
}

// KubernetesGetResource fetches a single named resource, optionally
// namespaced. DisableCache mirrors the original's per-request cache bypass.
type KubernetesGetResource struct {
	APIVersion    string
	Kind_         string
	Name          string
	Namespace     string
	DisableCache  bool
}

func (r KubernetesGetResource) Kind() string { return "k8s-get-resource" }
func (r KubernetesGetResource) CacheKey() (string, bool) {
	if r.DisableCache {
		return "", false
	}
	return fingerprint(r.Kind(), r), true
}

// KubernetesGetResourcePluralName resolves the plural resource name for a
// kind via API discovery.
type KubernetesGetResourcePluralName struct {
	APIVersion string
	Kind_      string
}

func (r KubernetesGetResourcePluralName) Kind() string { return "k8s-get-resource-plural-name" }
func (r KubernetesGetResourcePluralName) CacheKey() (string, bool) {
	return fingerprint(r.Kind(), r), true
}

// KubernetesListChangedSince answers whether a KubernetesListResourceAll
// result has changed since a prior instant. Always computed fresh: its
// entire purpose is to detect change, so caching its own answer would
// defeat it.
type KubernetesListChangedSince struct {
	APIVersion    string
	Kind_         string
	LabelSelector string
	FieldSelector string
	SinceUnixNano int64
}

func (r KubernetesListChangedSince) Kind() string { return "k8s-list-changed-since" }
func (r KubernetesListChangedSince) CacheKey() (string, bool) { return "", false }

// KubernetesCanI asks whether the policy server's own identity is permitted
// to perform an operation, mirroring a SelfSubjectAccessReview.
type KubernetesCanI struct {
	Group        string
	Resource     string
	Subresource  string
	Verb         string
	Name         string
	Namespace    string
	DisableCache bool
}

func (r KubernetesCanI) Kind() string { return "k8s-can-i" }
func (r KubernetesCanI) CacheKey() (string, bool) {
	if r.DisableCache {
		return "", false
	}
	return fingerprint(r.Kind(), r), true
}
