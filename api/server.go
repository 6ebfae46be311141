// Package api serves the FieldLink REST surface and the websocket push
// channel. All state flows through the store, the connection manager, and
// the export service; handlers hold no state of their own.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/c360/fieldlink/adapter"
	"github.com/c360/fieldlink/anomaly"
	"github.com/c360/fieldlink/bus"
	"github.com/c360/fieldlink/config"
	"github.com/c360/fieldlink/connmgr"
	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/export"
	"github.com/c360/fieldlink/health"
	"github.com/c360/fieldlink/ingest"
	"github.com/c360/fieldlink/metric"
	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/pkg/ratelimit"
	"github.com/c360/fieldlink/store"
)

// LatestCache serves the newest reading per sensor ahead of the store.
// The redis cache implements it; sensors it misses fall back to the store.
type LatestCache interface {
	LatestMany(ctx context.Context, sensorIDs []string) (map[string]model.Reading, error)
}

// Dependencies carries everything the API serves from. Cache is optional;
// nil routes all latest-reading queries to the store.
type Dependencies struct {
	Store    store.Store
	Cache    LatestCache
	Manager  *connmgr.Manager
	Pipeline *ingest.Pipeline
	Detector *anomaly.Detector
	Exports  *export.Service
	Adapters *adapter.Registry
	Bus      bus.Bus
	Registry *metric.Registry
	Monitor  *health.Monitor
	Logger   *slog.Logger
}

// Server is the HTTP front of the platform.
type Server struct {
	store    store.Store
	cache    LatestCache
	manager  *connmgr.Manager
	pipeline *ingest.Pipeline
	detector *anomaly.Detector
	exports  *export.Service
	adapters *adapter.Registry
	eventBus bus.Bus
	registry *metric.Registry
	monitor  *health.Monitor
	logger   *slog.Logger

	cfg    config.ServerConfig
	limits config.RateLimitConfig

	requests *ratelimit.Limiter
	commands *ratelimit.Limiter
	hub      *Hub

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the router. Call Start to begin serving.
func NewServer(deps Dependencies, cfg config.ServerConfig, limits config.RateLimitConfig) *Server {
	s := &Server{
		store:    deps.Store,
		cache:    deps.Cache,
		manager:  deps.Manager,
		pipeline: deps.Pipeline,
		detector: deps.Detector,
		exports:  deps.Exports,
		adapters: deps.Adapters,
		eventBus: deps.Bus,
		registry: deps.Registry,
		monitor:  deps.Monitor,
		logger:   deps.Logger.With("component", "api"),
		cfg:      cfg,
		limits:   limits,
		requests: ratelimit.NewPerMinute(limits.RequestsPerMinute),
		commands: ratelimit.NewPerMinute(limits.CommandsPerMinute),
	}
	s.hub = newHub(deps.Bus, deps.Logger)
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the full route tree. Exposed separately so tests can drive
// the handlers through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer, s.requestID)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.registry.Handler())
	r.Get("/ws", s.hub.serveWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimitMiddleware(s.requests, s.logger, func(scope string) {
			s.registry.Core.RateLimitRejections.WithLabelValues(scope).Inc()
		}))

		r.Route("/equipment", func(r chi.Router) {
			r.Get("/", s.handleListEquipment)
			r.Post("/", s.handleCreateEquipment)
			r.Route("/{equipmentID}", func(r chi.Router) {
				r.Get("/", s.handleGetEquipment)
				r.Put("/", s.handleUpdateEquipment)
				r.Delete("/", s.handleDeleteEquipment)
				r.Get("/status", s.handleEquipmentStatus)
				r.Post("/connect", s.handleConnectEquipment)
				r.Post("/disconnect", s.handleDisconnectEquipment)
				r.Get("/sensors", s.handleListSensors)
			})
		})

		r.Route("/sensors", func(r chi.Router) {
			r.Post("/", s.handleCreateSensor)
			r.Route("/{sensorID}", func(r chi.Router) {
				r.Get("/", s.handleGetSensor)
				r.Put("/", s.handleUpdateSensor)
			})
		})

		r.Route("/data", func(r chi.Router) {
			r.Post("/query", s.handleQuery)
			r.Post("/export", s.handleSubmitExport)
			r.Get("/export/{jobID}", s.handleGetExport)
			r.Delete("/export/{jobID}", s.handleCancelExport)
			r.Get("/statistics", s.handleStatistics)
			r.Post("/anomaly-detection", s.handleAnomalyScan)
		})

		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/dashboard", s.handleDashboard)
			r.Get("/realtime-data", s.handleRealtimeData)
			r.Get("/alerts", s.handleListAlerts)
			r.Post("/alerts/{alertID}/acknowledge", s.handleAcknowledgeAlert)
			r.Get("/equipment-health", s.handleEquipmentHealth)
		})

		r.Route("/integration", func(r chi.Router) {
			r.Get("/protocols", s.handleProtocols)
			r.Post("/test-connection", s.handleTestConnection)
			r.Get("/opc-ua/browse", s.handleOPCUABrowse)
			r.Post("/mqtt/publish", s.handleMQTTPublish)
		})
	})

	return r
}

// Start begins serving and returns once the listener is accepting.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.hub.start(ctx)

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.WrapFatal(err, "APIServer", "Start", "bind listener")
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server terminated", "error", err)
			s.monitor.UpdateUnhealthy("api", err.Error())
		}
	}()
	s.monitor.UpdateHealthy("api", "serving on "+s.httpServer.Addr)
	s.logger.Info("api server started", "addr", s.httpServer.Addr)
	return nil
}

// Stop drains in-flight requests and closes the push channel.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "APIServer", "Stop", "shutdown http server")
	}
	return nil
}

type rootInfo struct {
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Uptime    string   `json:"uptime"`
	Protocols []string `json:"protocols"`
}

// Version is stamped by the build; the default marks dev builds.
var Version = "dev"

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	protocols := make([]string, 0, 3)
	for _, p := range s.adapters.Protocols() {
		protocols = append(protocols, string(p))
	}
	writeJSON(w, http.StatusOK, rootInfo{
		Service:   "fieldlink",
		Version:   Version,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Protocols: protocols,
	})
}

type healthResponse struct {
	Status     health.Status            `json:"status"`
	Components map[string]health.Status `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agg := s.monitor.Aggregate("fieldlink")
	status := http.StatusOK
	if agg.Level == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{Status: agg, Components: s.monitor.All()})
}
