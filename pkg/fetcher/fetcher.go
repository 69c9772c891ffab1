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

// Package fetcher implements the module fetcher bootstrap consumes to
// resolve every policy: a scheme-discriminated (file / http(s) / registry)
// fetch of a policy module's bytes to a local path, grounded on
// original_source/policy-fetcher/src/https.rs (the HTTPS fallback ladder)
// and policy-server/src/wasm_fetcher/local.rs (scheme dispatch).
package fetcher

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/sigstore/policy-server/pkg/config"
	"github.com/sigstore/policy-server/pkg/log"
)

// Fetcher resolves a policy descriptor's URL to a local module path,
// downloading it first if necessary.
type Fetcher struct {
	// Sources carries per-host custom CA pools and insecure flags
	// consulted by the https:// fallback ladder.
	Sources config.Sources
	// DownloadDir is where http(s):// and registry:// fetches are written.
	// file:// URLs are returned as-is and never copied here.
	DownloadDir string
	// Keychain authenticates registry:// fetches. Defaults to
	// authn.DefaultKeychain when nil.
	Keychain authn.Keychain
}

// Fetch resolves rawURL to a local filesystem path, dispatching on its
// scheme: file, http(s), or registry.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing module url %q: %w", rawURL, err)
	}

	var path string
	switch u.Scheme {
	case "file":
		path = filePath(u)
	case "http", "https":
		body, err := f.fetchHTTPS(ctx, u)
		if err != nil {
			return "", fmt.Errorf("fetching %q: %w", rawURL, err)
		}
		path, err = f.writeDownload(rawURL, body)
		if err != nil {
			return "", err
		}
	case "registry":
		body, err := f.fetchRegistry(ctx, u)
		if err != nil {
			return "", fmt.Errorf("fetching %q: %w", rawURL, err)
		}
		path, err = f.writeDownload(rawURL, body)
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("module url %q: unsupported scheme %q", rawURL, u.Scheme)
	}

	logFetch(ctx, rawURL, path)
	return path, nil
}

func filePath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Path
}

// writeDownload persists body under f.DownloadDir, named deterministically
// from rawURL so repeated fetches of the same module overwrite rather than
// accumulate.
func (f *Fetcher) writeDownload(rawURL string, body []byte) (string, error) {
	if err := os.MkdirAll(f.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("creating download dir %q: %w", f.DownloadDir, err)
	}
	sum := sha256.Sum256([]byte(rawURL))
	path := filepath.Join(f.DownloadDir, hex.EncodeToString(sum[:])+".wasm")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("writing module to %q: %w", path, err)
	}
	return path, nil
}

// fetchHTTPS tries a host-specific CA anchor (or system anchors if none
// configured), then TLS-verification-disabled, then plain HTTP — the last
// two only for hosts explicitly marked insecure. Non-200 responses are
// fatal for that attempt, not just transport errors.
func (f *Fetcher) fetchHTTPS(ctx context.Context, u *url.URL) ([]byte, error) {
	host := u.Hostname()
	insecure := f.Sources.IsInsecureSource(host)

	var lastErr error

	tlsConfig := &tls.Config{} //nolint:gosec // InsecureSkipVerify is set explicitly only in the later, insecure-only branch below.
	if pool, ok := f.Sources.SourceAuthority(host); ok {
		tlsConfig.RootCAs = pool
	}
	if body, err := f.get(ctx, u, tlsConfig); err == nil {
		return body, nil
	} else {
		lastErr = err
	}

	if !insecure {
		return nil, lastErr
	}

	if body, err := f.get(ctx, u, &tls.Config{InsecureSkipVerify: true}); err == nil { //nolint:gosec // deliberate fallback, gated on IsInsecureSource.
		return body, nil
	} else {
		lastErr = err
	}

	plainHTTP := *u
	plainHTTP.Scheme = "http"
	if body, err := f.get(ctx, &plainHTTP, nil); err == nil {
		return body, nil
	} else {
		lastErr = err
	}

	return nil, lastErr
}

// get performs one GET attempt through a retryablehttp client built on
// cleanhttp's pooled transport, overriding its TLS config. A nil tlsConfig
// attempts plain HTTP (the client's transport is still cleanhttp's, just
// unused for TLS).
func (f *Fetcher) get(ctx context.Context, u *url.URL, tlsConfig *tls.Config) ([]byte, error) {
	transport := cleanhttp.DefaultPooledTransport()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Transport: transport}
	client.Logger = nil
	client.RetryMax = 3

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %s", u, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}

// fetchRegistry pulls the module as the single layer of an OCI artifact,
// the convention policy modules published to registries use, reusing
// go-containerregistry rather than introducing a second registry client
// (already wired for the OCI capability providers).
func (f *Fetcher) fetchRegistry(ctx context.Context, u *url.URL) ([]byte, error) {
	ref := u.Host + u.Path
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing registry reference %q: %w", ref, err)
	}

	keychain := f.Keychain
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}

	img, err := remote.Image(parsed, remote.WithContext(ctx), remote.WithAuthFromKeychain(keychain))
	if err != nil {
		return nil, fmt.Errorf("pulling image %q: %w", ref, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("reading layers of %q: %w", ref, err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("image %q has no layers", ref)
	}

	rc, err := layers[0].Uncompressed()
	if err != nil {
		return nil, fmt.Errorf("reading module layer of %q: %w", ref, err)
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

// logFetch emits a debug line recording which local path a module URL
// resolved to.
func logFetch(ctx context.Context, rawURL, path string) {
	log.FromContext(ctx).Debugw("fetcher: resolved module", "url", rawURL, "path", path)
}
