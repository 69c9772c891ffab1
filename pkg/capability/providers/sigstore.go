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
	"bytes"
	"context"
	"crypto/x509"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/sigstore/cosign/v2/pkg/cosign"
	ociremote "github.com/sigstore/cosign/v2/pkg/oci/remote"
	rekorclient "github.com/sigstore/rekor/pkg/generated/client"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/fulcioroots"
	"github.com/sigstore/sigstore/pkg/signature"
)

// Sigstore verifies container image signatures, grounded directly on
// pkg/webhook/validation.go's valid/validSignatures/validSignaturesWithFulcio
// (the same cosign.CheckOpts shape, rebuilt here for five distinct
// verification variants instead of a single cluster-policy authority).
type Sigstore struct {
	// RekorClient is consulted for transparency-log inclusion proofs. When
	// nil, no Rekor client is passed to cosign, and CertificateVerify fails
	// any request that requires a Rekor bundle.
	RekorClient *rekorclient.Rekor
	// RegistryOptions authenticates and routes the registry fetch
	// VerifyImageSignatures performs as part of verification.
	RegistryOptions []ociremote.Option
}

// Identity is a trusted issuer/subject pair for keyless verification.
type Identity struct {
	Issuer  string
	Subject string
}

// PrefixIdentity is a trusted issuer paired with a URL prefix the subject
// must start with, for keyless-prefix verification.
type PrefixIdentity struct {
	Issuer        string
	SubjectPrefix string
}

func toCosignIdentities(ids []Identity) []cosign.Identity {
	out := make([]cosign.Identity, len(ids))
	for i, id := range ids {
		out[i] = cosign.Identity{Issuer: id.Issuer, Subject: id.Subject}
	}
	return out
}

func toCosignPrefixIdentities(ids []PrefixIdentity) []cosign.Identity {
	out := make([]cosign.Identity, len(ids))
	for i, id := range ids {
		out[i] = cosign.Identity{Issuer: id.Issuer, SubjectRegExp: "^" + id.SubjectPrefix}
	}
	return out
}

// VerifyResult reports how many valid signatures were found; a zero count
// with a nil error never happens, since cosign.VerifyImageSignatures itself
// errors when it finds none.
type VerifyResult struct {
	SignatureCount int
}

func (s *Sigstore) parseReference(image string) (name.Reference, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return nil, fmt.Errorf("parsing image reference %q: %w", image, err)
	}
	return ref, nil
}

// PubKeyVerify verifies image was signed by one of pubKeysPEM (each a
// PEM-encoded public key). Verification succeeds if any key matches,
// mirroring validation.go's valid() "return nil if ANY key matches" loop.
func (s *Sigstore) PubKeyVerify(ctx context.Context, image string, pubKeysPEM []string, _ map[string]string) (VerifyResult, error) {
	ref, err := s.parseReference(image)
	if err != nil {
		return VerifyResult{}, err
	}

	var lastErr error
	for _, pem := range pubKeysPEM {
		verifier, err := signature.LoadPublicKeyRaw([]byte(pem), nil)
		if err != nil {
			lastErr = fmt.Errorf("loading public key: %w", err)
			continue
		}
		sigs, _, err := cosign.VerifyImageSignatures(ctx, ref, &cosign.CheckOpts{
			RegistryClientOpts: s.RegistryOptions,
			SigVerifier:        verifier,
			RekorClient:        s.RekorClient,
			ClaimVerifier:      cosign.SimpleClaimVerifier,
		})
		if err != nil {
			lastErr = err
			continue
		}
		return VerifyResult{SignatureCount: len(sigs)}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no public keys provided for %q", image)
	}
	return VerifyResult{}, lastErr
}

// KeylessVerify verifies image was signed keylessly by one of the given
// trusted issuer/subject identities, against the public Fulcio root.
func (s *Sigstore) KeylessVerify(ctx context.Context, image string, keyless []Identity, _ map[string]string) (VerifyResult, error) {
	ref, err := s.parseReference(image)
	if err != nil {
		return VerifyResult{}, err
	}
	fulcioRoots, err := fulcioroots.Get()
	if err != nil {
		return VerifyResult{}, fmt.Errorf("loading Fulcio trust root: %w", err)
	}
	sigs, _, err := cosign.VerifyImageSignatures(ctx, ref, &cosign.CheckOpts{
		RegistryClientOpts: s.RegistryOptions,
		RootCerts:          fulcioRoots,
		RekorClient:        s.RekorClient,
		ClaimVerifier:      cosign.SimpleClaimVerifier,
		Identities:         toCosignIdentities(keyless),
	})
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{SignatureCount: len(sigs)}, nil
}

// KeylessPrefixVerify is KeylessVerify with prefix-matched subjects instead
// of exact ones.
func (s *Sigstore) KeylessPrefixVerify(ctx context.Context, image string, keylessPrefix []PrefixIdentity, _ map[string]string) (VerifyResult, error) {
	ref, err := s.parseReference(image)
	if err != nil {
		return VerifyResult{}, err
	}
	fulcioRoots, err := fulcioroots.Get()
	if err != nil {
		return VerifyResult{}, fmt.Errorf("loading Fulcio trust root: %w", err)
	}
	sigs, _, err := cosign.VerifyImageSignatures(ctx, ref, &cosign.CheckOpts{
		RegistryClientOpts: s.RegistryOptions,
		RootCerts:          fulcioRoots,
		RekorClient:        s.RekorClient,
		ClaimVerifier:      cosign.SimpleClaimVerifier,
		Identities:         toCosignPrefixIdentities(keylessPrefix),
	})
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{SignatureCount: len(sigs)}, nil
}

// githubActionsIssuer is the fixed OIDC issuer GitHub Actions' Fulcio
// tokens are minted against.
const githubActionsIssuer = "https://token.actions.githubusercontent.com"

// GithubActionsVerify verifies image was built by the named GitHub Actions
// workflow (owner/repo), keylessly.
func (s *Sigstore) GithubActionsVerify(ctx context.Context, image, owner, repo string, _ map[string]string) (VerifyResult, error) {
	ref, err := s.parseReference(image)
	if err != nil {
		return VerifyResult{}, err
	}
	fulcioRoots, err := fulcioroots.Get()
	if err != nil {
		return VerifyResult{}, fmt.Errorf("loading Fulcio trust root: %w", err)
	}
	sigs, _, err := cosign.VerifyImageSignatures(ctx, ref, &cosign.CheckOpts{
		RegistryClientOpts: s.RegistryOptions,
		RootCerts:          fulcioRoots,
		RekorClient:        s.RekorClient,
		ClaimVerifier:      cosign.SimpleClaimVerifier,
		Identities: []cosign.Identity{{
			Issuer:        githubActionsIssuer,
			SubjectRegExp: fmt.Sprintf("^https://github.com/%s/%s/", owner, repo),
		}},
	})
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{SignatureCount: len(sigs)}, nil
}

// CertificateVerify verifies image against an explicit leaf certificate and
// optional intermediate chain, rather than a Fulcio root — the variant used
// when a policy pins a specific signer certificate instead of trusting an
// OIDC issuer.
func (s *Sigstore) CertificateVerify(ctx context.Context, image string, certPEM []byte, chainPEM [][]byte, requireRekorBundle bool, _ map[string]string) (VerifyResult, error) {
	ref, err := s.parseReference(image)
	if err != nil {
		return VerifyResult{}, err
	}

	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("parsing certificate: %w", err)
	}

	chain := make([]*x509.Certificate, 0, len(chainPEM))
	for _, c := range chainPEM {
		parsed, err := parseCertificatePEM(c)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("parsing certificate chain: %w", err)
		}
		chain = append(chain, parsed)
	}

	if len(chain) > 0 {
		pool := x509.NewCertPool()
		for _, c := range chain {
			pool.AddCert(c)
		}
		if _, err := cert.Verify(x509.VerifyOptions{
			Roots:         pool,
			Intermediates: pool,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return VerifyResult{}, fmt.Errorf("verifying certificate chain: %w", err)
		}
	}

	verifier, err := signature.LoadVerifier(cert.PublicKey, cert.SignatureAlgorithm.Hash())
	if err != nil {
		return VerifyResult{}, fmt.Errorf("building verifier from certificate: %w", err)
	}

	var rekorClient *rekorclient.Rekor
	if requireRekorBundle {
		if s.RekorClient == nil {
			return VerifyResult{}, fmt.Errorf("certificate verification requires a Rekor bundle but no Rekor client is configured")
		}
		rekorClient = s.RekorClient
	}

	sigs, _, err := cosign.VerifyImageSignatures(ctx, ref, &cosign.CheckOpts{
		RegistryClientOpts: s.RegistryOptions,
		SigVerifier:        verifier,
		RekorClient:        rekorClient,
		ClaimVerifier:      cosign.SimpleClaimVerifier,
	})
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{SignatureCount: len(sigs)}, nil
}

func parseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	certs, err := cryptoutils.LoadCertificatesFromPEM(bytes.NewReader(pemBytes))
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found")
	}
	return certs[0], nil
}
