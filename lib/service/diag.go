// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/chime/lib/defaults"
)

// diagServer serves the diagnostics endpoints: /healthz for liveness,
// /readyz for readiness, /metrics for prometheus scrapes and, when
// debug mode is on, the pprof profiles.
type diagServer struct {
	addr         string
	pprofEnabled bool
	ready        *atomic.Bool
	log          *slog.Logger

	mu    sync.Mutex
	bound string
}

func (s *diagServer) boundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *diagServer) run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return trace.Wrap(err, "binding diagnostics address %s", s.addr)
	}
	s.mu.Lock()
	s.bound = listener.Addr().String()
	s.mu.Unlock()
	s.log.InfoContext(ctx, "Diagnostics endpoint is serving.", "addr", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if s.pprofEnabled {
		s.log.InfoContext(ctx, "Debug mode enabled, profiling endpoints will be served.")
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := http.Server{
		Handler:           mux,
		ReadTimeout:       defaults.DiagnosticsIOTimeout,
		ReadHeaderTimeout: defaults.DiagnosticsIOTimeout,
		WriteTimeout:      defaults.DiagnosticsIOTimeout,
		IdleTimeout:       defaults.HTTPIdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaults.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.WarnContext(ctx, "Diagnostics server did not drain cleanly, closing.", "error", err)
			_ = srv.Close()
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}
