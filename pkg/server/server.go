// Package server is the public composition root for the S.Y.N.A.P.S.E.
// control plane. It wires every component (registry, fleet, event bus, cache,
// vector store, retrieval, router, coordinator, HTTP surface) from one
// configuration profile.
//
// This package lives in pkg/ so embedders can compose the control plane into
// a larger binary:
//
//	srv, err := server.New("synapse.yaml")
//	http.ListenAndServe(addr, srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/synapsehq/synapse/internal/api"
	"github.com/synapsehq/synapse/internal/cache"
	"github.com/synapsehq/synapse/internal/cgrag"
	"github.com/synapsehq/synapse/internal/config"
	"github.com/synapsehq/synapse/internal/coordinator"
	"github.com/synapsehq/synapse/internal/embeddings"
	"github.com/synapsehq/synapse/internal/events"
	"github.com/synapsehq/synapse/internal/fleet"
	"github.com/synapsehq/synapse/internal/router"
	"github.com/synapsehq/synapse/internal/telemetry"
	"github.com/synapsehq/synapse/internal/vectorstore"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Fleet manages the model servers; the serve command runs its health loop
	// and shuts it down on exit.
	Fleet *fleet.Manager

	// Bus is the event fan-out; closed on shutdown.
	Bus *events.Bus

	// Config is the effective configuration.
	Config *config.Config

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all control plane components from the profile at
// configPath (empty means defaults + environment).
func New(configPath string) (*Server, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg, err := fleet.LoadRegistry(cfg.Fleet.RegistryPath, cfg.Fleet.PortRangeStart, cfg.Fleet.PortRangeEnd)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	log.Info().Int("models", len(reg.List())).Str("path", cfg.Fleet.RegistryPath).Msg("model registry loaded")

	bus := events.NewBus(
		events.WithQueueSize(cfg.Events.QueueSize),
		events.WithCoalesceInterval(cfg.Events.CoalesceInterval),
	)

	ca := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)

	// Config mutations invalidate answers produced under the old settings.
	fm := fleet.NewManager(cfg.Fleet, reg, bus,
		fleet.WithConfigChangeHook(ca.InvalidateModel),
	)

	vs, err := vectorstore.Open(cfg.CGRAG.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	emb := embeddings.New(cfg.Embedder.Endpoint, cfg.Embedder.Model, cfg.Embedder.Dimension)
	cg := cgrag.New(cfg.CGRAG, emb, vs)
	rt := router.New(cfg.Router, router.Adapt(fm))
	coord := coordinator.New(cfg, fm, rt, cg, ca, bus)

	h := api.NewHandlers(cfg, coord, fm, bus, ca, vs, emb)

	return &Server{
		Handler:      api.NewRouter(cfg, h),
		Fleet:        fm,
		Bus:          bus,
		Config:       cfg,
		ShutdownFunc: shutdown,
	}, nil
}
