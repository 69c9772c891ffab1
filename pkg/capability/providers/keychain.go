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

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/authn/k8schain"
	"k8s.io/client-go/kubernetes"
)

// NewKubernetesKeychain builds an authn.Keychain that resolves registry
// credentials the way a pod running under client would: imagePullSecrets,
// the node's kubelet credentials, and the cloud-provider keychains
// (ECR/GCR/ACR) k8schain already knows about. Grounded directly on
// pkg/webhook/validator.go's resolvePodSpec, which builds exactly this
// keychain before resolving a pod's image digests.
func NewKubernetesKeychain(ctx context.Context, client kubernetes.Interface, opts k8schain.Options) (authn.Keychain, error) {
	kc, err := k8schain.New(ctx, client, opts)
	if err != nil {
		return nil, fmt.Errorf("building Kubernetes-aware keychain: %w", err)
	}
	return kc, nil
}
