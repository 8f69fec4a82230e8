// Package common holds small shared utilities: the health endpoint and a
// dynamically adjustable rate limiter.
package common

import (
	"net/http"
	"sync/atomic"
	"time"
)

// HealthServer serves the liveness and readiness endpoints. Liveness always
// answers OK while the process is up; readiness flips with the provided
// atomic flag once startup (migrations, gate reconcile, resume sweep) is
// complete.
type HealthServer struct {
	srv   *http.Server
	ready *atomic.Bool
}

// NewHealthServer starts the health endpoint on addr in a background
// goroutine and returns a handle for shutdown.
func NewHealthServer(addr string, ready *atomic.Bool) *HealthServer {
	hs := &HealthServer{ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", hs.handleHealth)
	mux.HandleFunc("/v1/readiness", hs.handleReadiness)

	hs.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() { _ = hs.srv.ListenAndServe() }()

	return hs
}

// Server returns the underlying HTTP server for shutdown.
func (hs *HealthServer) Server() *http.Server { return hs.srv }

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !hs.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
