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

package config

import (
	"crypto/x509"
	"fmt"

	"github.com/hashicorp/go-rootcerts"
)

// Sources is the per-host TLS trust configuration consulted by the https://
// module fetcher's fallback ladder: a host may carry a custom CA pool and/or
// be marked insecure, grounded on
// original_source/policy-fetcher/src/https.rs's `Sources::source_authority`
// and `Sources::is_insecure_source`.
type Sources struct {
	authorities map[string]*x509.CertPool
	insecure    map[string]bool
}

// NewSources returns an empty Sources with no per-host overrides: every
// host is fetched with the system CA pool and is not insecure.
func NewSources() Sources {
	return Sources{
		authorities: make(map[string]*x509.CertPool),
		insecure:    make(map[string]bool),
	}
}

// SourceAuthority returns the custom CA pool configured for host, and
// whether one was configured at all.
func (s Sources) SourceAuthority(host string) (*x509.CertPool, bool) {
	pool, ok := s.authorities[host]
	return pool, ok
}

// IsInsecureSource reports whether host is allowed to fall back to
// TLS-verification-skipped or plain HTTP fetches.
func (s Sources) IsInsecureSource(host string) bool {
	return s.insecure[host]
}

// MarkInsecure records that host may be fetched without certificate
// verification, or over plain HTTP, if HTTPS with a trusted CA fails.
func (s Sources) MarkInsecure(host string) {
	s.insecure[host] = true
}

// LoadAuthorityFile reads a PEM-encoded CA bundle from path and registers it
// as host's custom trust root, using go-rootcerts. pkg/fetcher's https://
// client uses the resulting pool through SourceAuthority.
func (s Sources) LoadAuthorityFile(host, path string) error {
	pool, err := rootcerts.LoadCACerts(&rootcerts.Config{CAFile: path})
	if err != nil {
		return fmt.Errorf("reading CA bundle for %s: %w", host, err)
	}
	s.authorities[host] = pool
	return nil
}

// LoadAuthorityPEM registers pem-encoded certificate data as host's custom
// trust root.
func (s Sources) LoadAuthorityPEM(host string, pem []byte) error {
	pool, err := rootcerts.LoadCACerts(&rootcerts.Config{CACertificate: pem})
	if err != nil {
		return fmt.Errorf("loading CA bundle for %s: %w", host, err)
	}
	if pool == nil {
		return fmt.Errorf("no certificates found in CA bundle for %s", host)
	}
	s.authorities[host] = pool
	return nil
}
