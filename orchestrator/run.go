// Copyright 2025 AxonFlow
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

package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"admarket/platform/shared/logger"
)

// Version is reported by /health
const Version = "1.0.0"

// Service holds the wired components of a running orchestrator.
type Service struct {
	Config       Config
	Orchestrator *Orchestrator
	Registry     *FileAgentRegistry

	db    *sql.DB
	redis *RedisResponseCache
}

// Run is the exported entry point for the orchestrator service.
//
// It loads configuration, wires the registry, catalog, cache and fan-out
// coordinator, sets up HTTP routes, and serves until SIGINT or SIGTERM.
func Run() {
	log.Println("Starting Ad Marketplace Orchestrator...")

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx := context.Background()
	svc, err := NewService(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	defer svc.Close()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Ad Marketplace Orchestrator listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down orchestrator...")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
}

// NewService builds every component described by cfg. Database and Redis
// are optional; without them the registry is file based and the catalog
// and cache live in memory.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	svc := &Service{Config: cfg}

	if cfg.DatabaseURL != "" {
		dsn := cfg.DatabaseURL
		if normalized, _ := normalizeDriver(cfg.DatabaseDriver); normalized == DriverPostgres {
			dsn = encodeDatabasePassword(dsn)
		}
		db, err := OpenDatabase(ctx, cfg.DatabaseDriver, dsn)
		if err != nil {
			return nil, err
		}
		svc.db = db
		log.Printf("✅ Connected to %s database", cfg.DatabaseDriver)
	}

	registry, err := svc.buildRegistry(ctx)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Registry = registry

	catalog, err := svc.buildCatalog(ctx)
	if err != nil {
		svc.Close()
		return nil, err
	}

	cache, err := svc.buildCache()
	if err != nil {
		svc.Close()
		return nil, err
	}

	orchLog := logger.New("orchestrator")
	remote := NewRemoteAgentClient(nil, orchLog)
	o, err := NewOrchestrator(Options{
		Registry: registry,
		Factory:  &DefaultAgentFactory{Catalog: catalog, Remote: remote},
		FanOut: NewFanOutCoordinator(FanOutConfig{
			MaxConcurrency: cfg.MaxConcurrency,
			DefaultTimeout: cfg.AgentTimeout(),
		}, orchLog),
		Pipeline: NewProductPipeline(orchLog),
		Cache:    cache,
		Monitor:  NewPerformanceMonitor(cfg.MonitorMaxHistory),
		Remote:   remote,
		Logger:   orchLog,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Orchestrator = o
	return svc, nil
}

func (s *Service) buildRegistry(ctx context.Context) (*FileAgentRegistry, error) {
	mode, err := ParseRegistryMode(s.Config.RegistryMode)
	if err != nil {
		return nil, err
	}

	registry := NewFileAgentRegistry()
	if path := s.Config.AgentConfigFile; path != "" && mode != RegistryModeDatabase {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to access agent config %s: %w", path, err)
		}
		if info.IsDir() {
			err = registry.LoadFromDirectory(ctx, path)
		} else {
			err = registry.LoadFromFile(ctx, path)
		}
		if err != nil {
			return nil, err
		}
	}

	if mode == RegistryModeFile {
		return registry, nil
	}
	if s.db == nil {
		return nil, fmt.Errorf("agent registry mode %s requires DATABASE_URL", mode)
	}
	registry.SetDatabaseSource(NewSQLAgentRegistry(s.db, s.Config.DatabaseDriver))
	registry.SetMode(mode)
	log.Printf("[AgentRegistry] Using %s mode", mode)
	return registry, nil
}

func (s *Service) buildCatalog(ctx context.Context) (ProductCatalog, error) {
	if s.db == nil {
		log.Println("⚠️  No database configured, local catalog agents serve an in-memory catalog")
		return NewMemoryProductCatalog(), nil
	}
	catalog := NewSQLProductCatalog(s.db, s.Config.DatabaseDriver)
	if s.Config.CatalogInitSchema {
		if err := catalog.InitSchema(ctx); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

// buildCache returns nil when the TTL is zero, which disables caching.
func (s *Service) buildCache() (ResponseCache, error) {
	if s.Config.CacheTTL() == 0 {
		log.Println("Response cache disabled")
		return nil, nil
	}
	if s.Config.RedisURL != "" {
		cache, err := NewRedisResponseCache(s.Config.RedisURL, s.Config.CacheTTL())
		if err != nil {
			return nil, err
		}
		s.redis = cache
		return cache, nil
	}
	return NewMemoryResponseCache(s.Config.CacheMaxEntries, s.Config.CacheTTL()), nil
}

// Handler returns the routed, CORS-wrapped HTTP handler.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	NewAPIHandler(s.Orchestrator, Version).RegisterRoutes(r)
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	return c.Handler(r)
}

// Close releases the database and Redis connections.
func (s *Service) Close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Printf("Error closing Redis: %v", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}
}
