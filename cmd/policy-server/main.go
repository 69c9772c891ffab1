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

// Command policy-server wires the evaluation fabric together: it loads the
// policy configuration, fetches every policy module, boots the worker pool
// and callback handler, and serves admission requests over HTTP. Flag
// parsing, context construction, and explicit shutdown follow a plain
// cobra/viper command shape, with no admission-webhook injection framework
// involved.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sigstore/policy-server/pkg/callback"
	"github.com/sigstore/policy-server/pkg/capability"
	"github.com/sigstore/policy-server/pkg/capability/providers"
	"github.com/sigstore/policy-server/pkg/config"
	"github.com/sigstore/policy-server/pkg/evaluator"
	"github.com/sigstore/policy-server/pkg/evaluator/fixture"
	"github.com/sigstore/policy-server/pkg/fetcher"
	"github.com/sigstore/policy-server/pkg/log"
	"github.com/sigstore/policy-server/pkg/policy"
	"github.com/sigstore/policy-server/pkg/server"
	"github.com/sigstore/policy-server/pkg/worker"
)

func main() {
	v := viper.New()
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "policy-server",
		Short: "Admission-time policy evaluation server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return run(cmd.Context(), v)
		},
	}
	config.AddFlags(cmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	logger, err := log.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	ctx = log.WithLogger(ctx, logger)

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	policies, err := policy.LoadFile(cfg.PolicyConfigPath)
	if err != nil {
		return fmt.Errorf("loading policy configuration: %w", err)
	}

	f := &fetcher.Fetcher{
		Sources:     cfg.Sources,
		DownloadDir: cfg.PoliciesDownloadDir,
	}
	policies, err = f.ResolveSet(ctx, policies, cfg.ContinueOnErrors)
	if err != nil {
		return fmt.Errorf("fetching policy modules: %w", err)
	}

	kube, err := buildKubernetesProvider(cfg)
	if err != nil {
		return fmt.Errorf("building Kubernetes client: %w", err)
	}

	handler := callback.New(callback.Config{
		Cache: capability.NewCache(0, 0),
		OCI:   &providers.OCI{},
		Sigstore: &providers.Sigstore{
			RegistryOptions: nil,
		},
		Kubernetes: kube,
	})
	go handler.Run(ctx)
	defer handler.Shutdown()

	pool, err := worker.Bootstrap(ctx, worker.Options{
		Size:              cfg.PoolSize,
		Policies:          policies,
		Runtime:           fixture.Runtime{},
		HostCallback:      evaluator.Bridge(handler.Inbox()),
		EvaluationTimeout: cfg.PolicyEvaluationTimeout,
		ContinueOnErrors:  cfg.ContinueOnErrors,
	})
	if err != nil {
		return fmt.Errorf("bootstrapping worker pool: %w", err)
	}
	go pool.Run(ctx)
	defer pool.Shutdown()

	srv := &server.Server{Pool: pool}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.NewMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("policy-server: listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildKubernetesProvider returns nil, nil when no in-cluster config is
// available and cfg.IgnoreKubernetesConnectionFailure is set, degrading
// every Kubernetes capability request to NotConfigured rather than failing
// bootstrap. Otherwise a connection failure is returned as
// an error, which run() turns into bootstrap failure.
func buildKubernetesProvider(cfg *config.Config) (*providers.Kubernetes, error) {
	kube, err := newInClusterKubernetes()
	if err != nil {
		if cfg.IgnoreKubernetesConnectionFailure {
			return nil, nil
		}
		return nil, err
	}
	return kube, nil
}
