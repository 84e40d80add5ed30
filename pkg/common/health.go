package common

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPTimeouts bounds the operational HTTP server.
type HTTPTimeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// OpsServer serves liveness, readiness and Prometheus metrics.
type OpsServer struct {
	ready  atomic.Bool
	mux    *http.ServeMux
	server *http.Server
}

// NewOpsServer creates an OpsServer listening on addr. Readiness starts
// false; call SetReady once the node can take traffic.
func NewOpsServer(addr string, gatherer prometheus.Gatherer, timeouts HTTPTimeouts) *OpsServer {
	s := new(OpsServer)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "Not Ready")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "Ready")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.mux = mux

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  timeouts.Read,
		WriteTimeout: timeouts.Write,
		IdleTimeout:  timeouts.Idle,
	}
	return s
}

// Mount serves h under pattern alongside the operational routes.
func (s *OpsServer) Mount(pattern string, h http.Handler) { s.mux.Handle(pattern, h) }

// SetReady flips the readiness endpoint.
func (s *OpsServer) SetReady(ready bool) { s.ready.Store(ready) }

// Handler exposes the routes for embedding and tests.
func (s *OpsServer) Handler() http.Handler { return s.server.Handler }

// Server returns the underlying http.Server.
func (s *OpsServer) Server() *http.Server { return s.server }
