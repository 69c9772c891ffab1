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

// Package config holds the process-wide configuration of the policy server:
// how many workers to boot, where policy modules are fetched from and
// cached, the per-request evaluation budget, and how strictly to treat
// bootstrap failures.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the fully resolved process configuration.
type Config struct {
	// PoolSize is the number of workers in the pool (C6). Zero is
	// ConfigInvalid.
	PoolSize int
	// PolicyConfigPath is the path to the YAML document loaded by
	// pkg/policy.LoadFile.
	PolicyConfigPath string
	// PoliciesDownloadDir is where the module fetcher places fetched wasm
	// modules (pkg/fetcher).
	PoliciesDownloadDir string
	// SigstoreCacheDir holds the --sigstore-cache-dir flag. cmd/policy-server
	// does not pass it to the sigstore capability provider, so no trust
	// material is persisted there.
	SigstoreCacheDir string
	// PolicyEvaluationTimeout bounds a single worker's evaluation of a
	// single request. Zero means every
	// evaluation always times out, a deliberately supported boundary
	// behavior rather than "no timeout".
	PolicyEvaluationTimeout time.Duration
	// IgnoreKubernetesConnectionFailure lets bootstrap continue without a
	// working Kubernetes client instead of failing.
	IgnoreKubernetesConnectionFailure bool
	// ContinueOnErrors lets bootstrap continue booting the policies that did
	// load even if others failed, instead of aborting the whole process.
	ContinueOnErrors bool
	// Sources carries the per-host TLS trust configuration used by the
	// https:// module fetcher.
	Sources Sources
	// ListenAddr is the address pkg/server listens on.
	ListenAddr string
}

// AddFlags registers the command-line flags backing Config on cmd: flags
// are declared here, then bound to viper by the caller (cmd/policy-server
// does so in its RunE).
func AddFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Int("pool-size", 0, "number of workers in the pool; must be greater than zero")
	flags.String("policies", "policies.yml", "path to the policy configuration document")
	flags.String("policies-download-dir", "/tmp/kubewarden/policies", "directory policy modules are downloaded into")
	flags.String("sigstore-cache-dir", "/tmp/kubewarden/sigstore", "directory for sigstore trust material (not read by the sigstore provider)")
	flags.Duration("policy-timeout", 10*time.Second, "per-request policy evaluation budget")
	flags.Bool("ignore-kubernetes-connection-failure", false, "boot even if a Kubernetes client cannot be built")
	flags.Bool("continue-on-errors", false, "boot the policies that loaded successfully even if others failed")
	flags.String("addr", ":8443", "address the policy server listens on")
	flags.StringToString("insecure-sources", nil, "host=true/false map of hosts to treat as insecure for module fetching")
	flags.StringToString("source-authorities", nil, "host=path map of PEM-encoded custom CA certificates for module fetching")
}

// Load resolves a Config from v, which the caller has already bound to the
// process's flags and environment via viper.BindPFlags /
// viper.AutomaticEnv.
func Load(v *viper.Viper) (*Config, error) {
	sources, err := loadSources(v)
	if err != nil {
		return nil, fmt.Errorf("loading module fetch sources: %w", err)
	}

	poolSize := v.GetInt("pool-size")

	cfg := &Config{
		PoolSize:                          poolSize,
		PolicyConfigPath:                  v.GetString("policies"),
		PoliciesDownloadDir:               v.GetString("policies-download-dir"),
		SigstoreCacheDir:                  v.GetString("sigstore-cache-dir"),
		PolicyEvaluationTimeout:           v.GetDuration("policy-timeout"),
		IgnoreKubernetesConnectionFailure: v.GetBool("ignore-kubernetes-connection-failure"),
		ContinueOnErrors:                  v.GetBool("continue-on-errors"),
		Sources:                           sources,
		ListenAddr:                        v.GetString("addr"),
	}

	if cfg.PoolSize < 0 {
		return nil, fmt.Errorf("pool-size must not be negative, got %d", cfg.PoolSize)
	}
	if cfg.PolicyConfigPath == "" {
		return nil, fmt.Errorf("policies: must not be empty")
	}
	return cfg, nil
}

func loadSources(v *viper.Viper) (Sources, error) {
	s := NewSources()
	for host, insecure := range v.GetStringMapString("insecure-sources") {
		if insecure == "true" {
			s.MarkInsecure(host)
		}
	}
	for host, path := range v.GetStringMapString("source-authorities") {
		if err := s.LoadAuthorityFile(host, path); err != nil {
			return Sources{}, err
		}
	}
	return s, nil
}
