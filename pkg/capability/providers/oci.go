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

// Package providers implements C2: the host-capability providers that
// actually perform the blocking I/O a callback request asks for. Every exported function here is called only from inside
// pkg/callback's dispatch goroutines, never from a worker thread directly.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// OCI resolves image digests and manifests against a registry, grounded on
// pkg/webhook/validator.go's resolvePodSpec (name.ParseReference +
// ociremote.ResolveDigest + remote.WithAuthFromKeychain).
type OCI struct {
	// Keychain authenticates registry requests. Defaults to
	// authn.DefaultKeychain (docker config file / ambient cloud
	// credentials) when nil; NewKubernetesKeychain in keychain.go can build
	// a Kubernetes-aware one. cmd/policy-server leaves it nil.
	Keychain authn.Keychain
}

func (o *OCI) keychain() authn.Keychain {
	if o.Keychain != nil {
		return o.Keychain
	}
	return authn.DefaultKeychain
}

func (o *OCI) options() []remote.Option {
	return []remote.Option{remote.WithAuthFromKeychain(o.keychain())}
}

// ManifestDigest resolves image to its content digest (e.g.
// "sha256:abcd...").
func (o *OCI) ManifestDigest(ctx context.Context, image string) (string, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", fmt.Errorf("parsing image reference %q: %w", image, err)
	}
	desc, err := remote.Get(ref, append(o.options(), remote.WithContext(ctx))...)
	if err != nil {
		return "", fmt.Errorf("resolving digest of %q: %w", image, err)
	}
	return desc.Digest.String(), nil
}

// Manifest returns the raw JSON manifest of image.
func (o *OCI) Manifest(ctx context.Context, image string) (json.RawMessage, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return nil, fmt.Errorf("parsing image reference %q: %w", image, err)
	}
	desc, err := remote.Get(ref, append(o.options(), remote.WithContext(ctx))...)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest of %q: %w", image, err)
	}
	return json.RawMessage(desc.Manifest), nil
}

// ManifestAndConfig is Manifest plus the image's config file, the two
// pieces of metadata kubewarden policies most commonly inspect together
// (e.g. to check an image's entrypoint or declared user).
type ManifestAndConfig struct {
	Manifest json.RawMessage `json:"manifest"`
	Config   json.RawMessage `json:"config"`
}

// ManifestAndConfig resolves both the manifest and the image config for
// image through go-containerregistry's remote.Image: one request for the
// manifest, then one for the config blob it references.
func (o *OCI) ManifestAndConfig(ctx context.Context, image string) (ManifestAndConfig, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return ManifestAndConfig{}, fmt.Errorf("parsing image reference %q: %w", image, err)
	}
	img, err := remote.Image(ref, append(o.options(), remote.WithContext(ctx))...)
	if err != nil {
		return ManifestAndConfig{}, fmt.Errorf("fetching image %q: %w", image, err)
	}
	rawManifest, err := img.RawManifest()
	if err != nil {
		return ManifestAndConfig{}, fmt.Errorf("reading manifest of %q: %w", image, err)
	}
	rawConfig, err := img.RawConfigFile()
	if err != nil {
		return ManifestAndConfig{}, fmt.Errorf("reading config of %q: %w", image, err)
	}
	return ManifestAndConfig{
		Manifest: json.RawMessage(rawManifest),
		Config:   json.RawMessage(rawConfig),
	}, nil
}
