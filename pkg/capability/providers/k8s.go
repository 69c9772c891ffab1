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

package providers

import (
	"context"
	"fmt"

	authorizationv1 "k8s.io/api/authorization/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// ErrNotConfigured is returned by every Kubernetes provider method when no
// cluster client is available: every K8s capability variant fails with this
// error rather than blocking or panicking.
var ErrNotConfigured = fmt.Errorf("kubernetes client not configured")

// Kubernetes generalizes client-go's pervasive use elsewhere in this
// codebase (building a keychain from cluster credentials) to answering
// arbitrary context-aware cluster queries. A nil *Kubernetes (or one built
// with nil clients) fails every call with ErrNotConfigured rather than
// panicking.
type Kubernetes struct {
	Dynamic    dynamic.Interface
	Discovery  discovery.DiscoveryInterface
	Clientset  kubernetes.Interface
}

func (k *Kubernetes) configured() bool {
	return k != nil && k.Dynamic != nil && k.Discovery != nil
}

// gvr resolves an apiVersion/kind pair to a GroupVersionResource via API
// discovery, since every capability request carries a kind, not a resource
// plural name.
func (k *Kubernetes) gvr(apiVersion, kind string) (schema.GroupVersionResource, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return schema.GroupVersionResource{}, fmt.Errorf("parsing apiVersion %q: %w", apiVersion, err)
	}
	resources, err := k.Discovery.ServerResourcesForGroupVersion(apiVersion)
	if err != nil {
		return schema.GroupVersionResource{}, fmt.Errorf("discovering resources for %q: %w", apiVersion, err)
	}
	for _, r := range resources.APIResources {
		if r.Kind == kind {
			return gv.WithResource(r.Name), nil
		}
	}
	return schema.GroupVersionResource{}, fmt.Errorf("no resource found for kind %q in %q", kind, apiVersion)
}

// ListResourceNamespace lists a namespaced resource kind within one
// namespace, returning the raw unstructured list.
func (k *Kubernetes) ListResourceNamespace(ctx context.Context, apiVersion, kind, namespace, labelSelector, fieldSelector string) (*unstructured.UnstructuredList, error) {
	if !k.configured() {
		return nil, ErrNotConfigured
	}
	gvr, err := k.gvr(apiVersion, kind)
	if err != nil {
		return nil, err
	}
	return k.Dynamic.Resource(gvr).Namespace(namespace).List(ctx, metaListOptions(labelSelector, fieldSelector))
}

// ListResourceAll lists a resource kind across all namespaces.
func (k *Kubernetes) ListResourceAll(ctx context.Context, apiVersion, kind, labelSelector, fieldSelector string) (*unstructured.UnstructuredList, error) {
	if !k.configured() {
		return nil, ErrNotConfigured
	}
	gvr, err := k.gvr(apiVersion, kind)
	if err != nil {
		return nil, err
	}
	return k.Dynamic.Resource(gvr).List(ctx, metaListOptions(labelSelector, fieldSelector))
}

// GetResource fetches a single named resource, optionally namespaced.
func (k *Kubernetes) GetResource(ctx context.Context, apiVersion, kind, name, namespace string) (*unstructured.Unstructured, error) {
	if !k.configured() {
		return nil, ErrNotConfigured
	}
	gvr, err := k.gvr(apiVersion, kind)
	if err != nil {
		return nil, err
	}
	if namespace == "" {
		return k.Dynamic.Resource(gvr).Get(ctx, name, metaGetOptions())
	}
	return k.Dynamic.Resource(gvr).Namespace(namespace).Get(ctx, name, metaGetOptions())
}

// GetResourcePluralName resolves the plural resource name for apiVersion/kind
// via API discovery, the piece policy authors need to build their own
// dynamic-client requests.
func (k *Kubernetes) GetResourcePluralName(_ context.Context, apiVersion, kind string) (string, error) {
	if !k.configured() {
		return "", ErrNotConfigured
	}
	gvr, err := k.gvr(apiVersion, kind)
	if err != nil {
		return "", err
	}
	return gvr.Resource, nil
}

// ListChangedSince reports true when any object in the ListResourceAll
// result has a creation timestamp later than sinceUnixNano. Updates to
// objects that already existed and deletions are not detected. Always
// computed fresh.
func (k *Kubernetes) ListChangedSince(ctx context.Context, apiVersion, kind, labelSelector, fieldSelector string, sinceUnixNano int64) (bool, error) {
	if !k.configured() {
		return false, ErrNotConfigured
	}
	list, err := k.ListResourceAll(ctx, apiVersion, kind, labelSelector, fieldSelector)
	if err != nil {
		return false, err
	}
	for _, item := range list.Items {
		ts := item.GetCreationTimestamp()
		if ts.UnixNano() > sinceUnixNano {
			return true, nil
		}
	}
	return false, nil
}

// CanI asks whether the policy server's own service account is permitted to
// perform verb against resource/subresource, optionally named and
// namespaced, mirroring a SelfSubjectAccessReview.
func (k *Kubernetes) CanI(ctx context.Context, group, resource, subresource, verb, name, namespace string) (bool, error) {
	if k == nil || k.Clientset == nil {
		return false, ErrNotConfigured
	}
	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Group:       group,
				Resource:    resource,
				Subresource: subresource,
				Verb:        verb,
				Name:        name,
				Namespace:   namespace,
			},
		},
	}
	result, err := k.Clientset.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metaCreateOptions())
	if err != nil {
		return false, fmt.Errorf("checking access: %w", err)
	}
	return result.Status.Allowed, nil
}
