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

package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigstore/policy-server/pkg/config"
)

func TestFetchFileSchemeReturnsPathVerbatim(t *testing.T) {
	f := &Fetcher{DownloadDir: t.TempDir()}
	path, err := f.Fetch(context.Background(), "file:///opt/policies/pod-privileged.wasm")
	require.NoError(t, err)
	require.Equal(t, "/opt/policies/pod-privileged.wasm", path)
}

func TestFetchHTTPSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("wasm-bytes"))
	}))
	defer ts.Close()

	dir := t.TempDir()
	f := &Fetcher{DownloadDir: dir, Sources: config.NewSources()}

	path, err := f.Fetch(context.Background(), ts.URL+"/policy.wasm")
	require.NoError(t, err)
	require.Equal(t, dir, filepath.Dir(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "wasm-bytes", string(content))
}

func TestFetchHTTPNon200IsFatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	f := &Fetcher{DownloadDir: t.TempDir(), Sources: config.NewSources()}
	_, err := f.Fetch(context.Background(), ts.URL+"/missing.wasm")
	require.Error(t, err)
}

func TestFetchUnsupportedSchemeErrors(t *testing.T) {
	f := &Fetcher{DownloadDir: t.TempDir()}
	_, err := f.Fetch(context.Background(), "ftp://example.com/module.wasm")
	require.Error(t, err)
}
