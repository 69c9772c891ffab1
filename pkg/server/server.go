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

// Package server is a deliberately thin HTTP front door: it only translates
// an inbound admission request into a worker.EvalRequest on the pool's
// inbox and writes back the verdict. TLS termination, request routing for
// anything beyond this, and auth are left to the operator's reverse proxy
// or a future layer.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sigstore/policy-server/pkg/log"
	"github.com/sigstore/policy-server/pkg/verdict"
	"github.com/sigstore/policy-server/pkg/worker"
)

// Server fronts a worker.Pool with plain net/http: one handler, validating
// the path-named policy against the request body.
type Server struct {
	Pool *worker.Pool
}

// NewMux builds the *http.ServeMux this server answers on: "/validate/"
// accepts admission requests, "/healthz" reports liveness.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/validate/", s.handleValidate)
	mux.HandleFunc("/healthz", handleHealthz)
	return mux
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// verdictResponse is the wire shape a verdict.Verdict is rendered as.
type verdictResponse struct {
	Outcome string          `json:"outcome"`
	Message string          `json:"message,omitempty"`
	Patch   json.RawMessage `json:"patch,omitempty"`
	Timeout bool            `json:"timeout,omitempty"`
}

func toWireVerdict(v verdict.Verdict) verdictResponse {
	return verdictResponse{
		Outcome: v.Outcome.String(),
		Message: v.Message,
		Patch:   v.Patch,
		Timeout: v.Timeout,
	}
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	policyID := strings.TrimPrefix(r.URL.Path, "/validate/")
	if policyID == "" {
		http.Error(w, "missing policy id", http.StatusBadRequest)
		return
	}

	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	span := uuid.New().String()
	logger := log.FromContext(ctx).With("span", span, "policy_id", policyID)

	reply := make(chan worker.EvalResponse, 1)
	req := worker.EvalRequest{
		PolicyID: policyID,
		Body:     body,
		Reply:    reply,
		Ctx:      ctx,
	}

	select {
	case s.Pool.Inbox() <- req:
	case <-ctx.Done():
		http.Error(w, "request canceled", http.StatusRequestTimeout)
		return
	}

	select {
	case resp := <-reply:
		s.writeResponse(w, logger, resp)
	case <-ctx.Done():
		http.Error(w, "request canceled", http.StatusRequestTimeout)
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, logger *zap.SugaredLogger, resp worker.EvalResponse) {
	if resp.Err != nil {
		logger.Errorw("server: evaluation failed", "err", resp.Err)
		http.Error(w, resp.Err.Error(), http.StatusInternalServerError)
		return
	}
	if resp.Verdict == nil {
		http.Error(w, "unknown policy", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toWireVerdict(*resp.Verdict)); err != nil {
		logger.Errorw("server: encoding response failed", "err", err)
	}
}

func readBody(r *http.Request) (json.RawMessage, error) {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ListenAndServe starts an HTTP server bound to addr serving NewMux and
// blocks until it fails. It offers no way to shut the server down;
// cmd/policy-server builds its own *http.Server around NewMux instead.
func (s *Server) ListenAndServe(addr string, readHeaderTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.NewMux(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return srv.ListenAndServe()
}
