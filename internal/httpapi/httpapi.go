// Package httpapi exposes the bridge's diagnostics surface: Prometheus
// metrics and a liveness check, routed with gorilla/mux and wrapped in
// gorilla/handlers' combined access-log middleware.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kestrelgrid/invbridge/internal/arbiter"
)

// LinkStatus is the subset of *arbiter.Arbiter the /healthz handler reports.
type LinkStatus interface {
	LinkUp() bool
	DetectedSerial() string
	IsBusy() bool
}

var _ LinkStatus = (*arbiter.Arbiter)(nil)

// Server is the diagnostics HTTP server.
type Server struct {
	httpServer *http.Server
}

type healthResponse struct {
	LinkUp         bool   `json:"link_up"`
	DetectedSerial string `json:"detected_serial,omitempty"`
	Busy           bool   `json:"busy"`
}

// New builds a Server listening on addr, exposing /metrics from reg and
// /healthz from status. Access logs are written through log's output.
func New(addr string, reg *prometheus.Registry, status LinkStatus, log *logrus.Logger) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		resp := healthResponse{
			LinkUp:         status.LinkUp(),
			DetectedSerial: status.DetectedSerial(),
			Busy:           status.IsBusy(),
		}
		w.Header().Set("Content-Type", "application/json")
		if !resp.LinkUp {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	logged := handlers.CombinedLoggingHandler(log.Writer(), r)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           logged,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe blocks serving diagnostics traffic until the server is
// shut down or a non-graceful error occurs.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the diagnostics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
