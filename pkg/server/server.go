// Package server provides the public entry point for initializing the
// golem engine server.
//
// This package exists in pkg/ (not internal/) so that embedders can import
// it and compose the full server with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golemlab/golem/internal/api"
	"github.com/golemlab/golem/internal/api/handlers"
	"github.com/golemlab/golem/internal/cache"
	"github.com/golemlab/golem/internal/compiler"
	"github.com/golemlab/golem/internal/config"
	"github.com/golemlab/golem/internal/credentials"
	"github.com/golemlab/golem/internal/model"
	"github.com/golemlab/golem/internal/orchestrator"
	"github.com/golemlab/golem/internal/sessions"
	"github.com/golemlab/golem/internal/store"
	"github.com/golemlab/golem/internal/telemetry"
	"github.com/golemlab/golem/internal/tools"

	"github.com/rs/zerolog/log"
)

// Config is the public configuration for the engine server.
type Config struct {
	Port         int
	Version      string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized golem engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory by default).
	Store store.Store

	// Cache is the compilation cache. Exposed so embedders can warm or
	// invalidate entries directly.
	Cache *cache.Cache

	// Orchestrator runs blueprints end to end.
	Orchestrator *orchestrator.Orchestrator

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all engine components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore()
	log.Info().Msg("In-memory store initialized")

	// Credentials come from the environment by default.
	creds := credentials.Chain{&credentials.EnvSource{}}

	toolReg := tools.DefaultRegistry(creds)
	drivers := model.NewRegistry(creds)
	memory := sessions.NewMemory(dataStore)
	comp := compiler.New(toolReg, drivers, creds, memory)

	compCache := cache.New(cfg.Cache)
	orch := orchestrator.New(dataStore, compCache, comp, cfg.Guardrail)

	log.Info().
		Dur("ttl", cfg.Cache.TTL).
		Dur("sweep", cfg.Cache.SweepInterval).
		Msg("Compilation cache initialized")

	h := handlers.New(dataStore, orch)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Cache:        compCache,
		Orchestrator: orch,
		Config:       pubCfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
