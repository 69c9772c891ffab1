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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourcesInsecureDefaultsFalse(t *testing.T) {
	s := NewSources()
	require.False(t, s.IsInsecureSource("example.com"))
	s.MarkInsecure("example.com")
	require.True(t, s.IsInsecureSource("example.com"))
	require.False(t, s.IsInsecureSource("other.example.com"))
}

func TestSourcesAuthorityPresence(t *testing.T) {
	s := NewSources()
	_, ok := s.SourceAuthority("example.com")
	require.False(t, ok)
}

func TestSourcesLoadAuthorityPEMRejectsGarbage(t *testing.T) {
	s := NewSources()
	err := s.LoadAuthorityPEM("example.com", []byte("not a certificate"))
	require.Error(t, err)
}
