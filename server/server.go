// Package server exposes the bridge's HTTP status API: live
// connection info, per-inverter SSE field streams and Prometheus
// metrics.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"voltronic-bridge/inverter"
)

type Server struct {
	port       int
	version    string
	manager    *inverter.Manager
	router     *mux.Router
	httpServer *http.Server
}

func New(port int, manager *inverter.Manager, version string) *Server {
	s := &Server{
		port:    port,
		version: version,
		manager: manager,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/version", s.handleVersion).Methods("GET")
	api.HandleFunc("/inverters", s.handleListInverters).Methods("GET")
	api.HandleFunc("/inverters/{serial}/stream", s.handleStream).Methods("GET")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		log.Info("context done, shutting down HTTP server")
		s.httpServer.Shutdown(context.Background())
	}()

	log.Infof("starting status server on port %d", s.port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
