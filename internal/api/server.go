// Package api exposes the aggregation service's HTTP and WebSocket
// interface.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/blikh/proxystats/internal/collector"
	"github.com/blikh/proxystats/internal/geoip"
	"github.com/blikh/proxystats/internal/statsdb"
)

// Server routes API requests to the stats store and the ingest
// collector.
type Server struct {
	store     *statsdb.Store
	collector *collector.Collector
	hub       *Hub
	readiness *geoip.Readiness
	resolver  *geoip.Resolver
	listen    string
	logger    *slog.Logger
}

// New creates a Server. resolver may be nil when geo lookups are not
// configured.
func New(
	store *statsdb.Store,
	col *collector.Collector,
	hub *Hub,
	resolver *geoip.Resolver,
	listen string,
	logger *slog.Logger,
) *Server {
	return &Server{
		store:     store,
		collector: col,
		hub:       hub,
		readiness: geoip.NewReadiness(),
		resolver:  resolver,
		listen:    listen,
		logger:    logger,
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", s.handleIngest)
		r.Get("/live", s.handleLive)

		r.Route("/backends/{backendID}", func(r chi.Router) {
			r.Get("/domains", s.handleDomains)
			r.Get("/ips", s.handleIPs)
			r.Get("/devices", s.handleDevices)
			r.Get("/proxies", s.handleProxies)
			r.Get("/rules", s.handleRules)
			r.Get("/countries", s.handleCountries)

			r.Get("/devices/{sourceIP}/domains", s.handleDeviceDomains)
			r.Get("/devices/{sourceIP}/ips", s.handleDeviceIPs)
			r.Get("/proxies/domains", s.handleProxyDomains)
			r.Get("/proxies/ips", s.handleProxyIPs)

			r.Get("/traffic/hourly", s.handleHourlyTraffic)
			r.Get("/traffic/today", s.handleTodayTraffic)
			r.Get("/traffic/summary", s.handleTrafficSummary)
			r.Get("/traffic/trend", s.handleTrafficTrend)
		})

		r.Route("/config", func(r chi.Router) {
			r.Get("/stats", s.handleDBStats)
			r.Post("/cleanup", s.handleCleanup)
			r.Post("/vacuum", s.handleVacuum)
			r.Get("/retention", s.handleGetRetention)
			r.Put("/retention", s.handlePutRetention)
			r.Get("/geoip", s.handleGetGeoIP)
			r.Put("/geoip", s.handlePutGeoIP)
		})
	})

	return r
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.listen, err)
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server started", "listen", s.listen)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}
