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

// Package log carries a *zap.SugaredLogger on a context.Context, the way the
// rest of the evaluation fabric expects to find a logger without threading
// one through every function signature.
package log

import (
	"context"

	"go.uber.org/zap"
)

type loggerKey struct{}

// fallback is returned by FromContext when nothing was ever attached.
var fallback = zap.NewNop().Sugar()

// WithLogger returns a new context carrying l.
func WithLogger(ctx context.Context, l *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger attached to ctx, or a no-op logger if none
// was attached.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok && l != nil {
		return l
	}
	return fallback
}

// NewDevelopment builds a human-readable development logger via
// zap.NewDevelopmentConfig().Build().
func NewDevelopment() (*zap.SugaredLogger, error) {
	l, err := zap.NewDevelopmentConfig().Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// NewProduction builds a JSON structured logger suitable for the server
// process.
func NewProduction() (*zap.SugaredLogger, error) {
	l, err := zap.NewProductionConfig().Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
