package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	internalhttp "github.com/EternisAI/silo-dispatch/internal/api/http"
	"github.com/EternisAI/silo-dispatch/internal/agents"
	"github.com/EternisAI/silo-dispatch/internal/auth"
	"github.com/EternisAI/silo-dispatch/internal/autoregister"
	"github.com/EternisAI/silo-dispatch/internal/cert"
	"github.com/EternisAI/silo-dispatch/internal/console"
	"github.com/EternisAI/silo-dispatch/internal/db"
	"github.com/EternisAI/silo-dispatch/internal/dispatch"
	"github.com/EternisAI/silo-dispatch/internal/drain"
	grpcserver "github.com/EternisAI/silo-dispatch/internal/grpc/server"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
	"github.com/EternisAI/silo-dispatch/internal/material"
	"github.com/EternisAI/silo-dispatch/internal/metrics"
	"github.com/EternisAI/silo-dispatch/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

var AppVersion string

const (
	defaultShutdownTimeout = 10 * time.Second
	keyCleanupInterval     = 5 * time.Minute
)

func main() {
	InitConfig()

	slog.Info("Silo Dispatch Server", "version", AppVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func run(ctx context.Context) error {
	store, err := db.Open(ctx, config.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	slog.Info("Database ready", "driver", config.Database.Driver)

	m := metrics.NewMetrics()
	consoleStore := console.NewStore()

	scheduler := jobs.NewScheduler(store, m, config.Jobs.MaxAssignAttempts)
	scheduler.OnPrune(consoleStore.Delete)
	if err := scheduler.Load(ctx); err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	coordinator := drain.NewCoordinator(store, scheduler)
	if err := coordinator.Load(ctx); err != nil {
		return fmt.Errorf("failed to load drain mode: %w", err)
	}
	m.RegisterDrainState(coordinator.IsDraining, coordinator.Tracker().Count)

	keys := autoregister.NewKeyStore(config.Agents.AutoRegisterKeyTTL, ParseCommaSeparated(config.Agents.AutoRegisterKeys))
	agentService := agents.NewService(store, keys)
	registry := agents.NewRegistry(config.Agents.LostContactTimeout)
	m.RegisterAgentCounts(registry.CountByStatus)

	dispatchService := dispatch.NewService(agentService, registry, scheduler, coordinator, m, dispatch.Config{
		KillGrace: config.Agents.KillGrace,
	})

	var authService *auth.Service
	if len(config.Auth.Admins) > 0 {
		directory, err := users.NewDirectory(config.Auth.Admins)
		if err != nil {
			return fmt.Errorf("invalid admin configuration: %w", err)
		}
		if config.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required when admins are configured")
		}
		authService = auth.NewService(directory, auth.Config{
			Secret:   config.Auth.JWTSecret,
			TokenTTL: config.Auth.TokenTTL,
		})
	}
	if authService == nil && config.Http.AdminAPIKey == "" {
		slog.Warn("No admin credentials configured, admin API is disabled")
	}

	poller, err := newMaterialPoller(coordinator.Tracker(), m)
	if err != nil {
		return err
	}

	grpcSrv, err := newGrpcServer(console.NewReceiver(consoleStore, scheduler, m))
	if err != nil {
		return err
	}

	services := &internalhttp.Services{
		Dispatch:     dispatchService,
		AgentService: agentService,
		Registry:     registry,
		Scheduler:    scheduler,
		Drain:        coordinator,
		Keys:         keys,
		Console:      consoleStore,
		Auth:         authService,
		Materials:    poller,
		Metrics:      m,
		AdminAPIKey:  config.Http.AdminAPIKey,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	registry.Start(config.Agents.SweepInterval)
	defer registry.Stop()

	shutdownTimeout := config.Http.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := grpcSrv.Start(); err != nil {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		interval := config.Jobs.RescueInterval
		if interval <= 0 {
			interval = agents.DefaultSweepInterval
		}
		scheduler.RunRescueSweep(gctx, interval, config.Jobs.RescueTimeout)
		return nil
	})

	g.Go(func() error {
		keys.StartCleanup(gctx, keyCleanupInterval)
		return nil
	})

	if poller != nil {
		g.Go(func() error {
			return poller.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		} else {
			slog.Info("HTTP server stopped")
		}
		if err := grpcSrv.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("gRPC server shutdown error: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newGrpcServer(receiver *console.Receiver) (*grpcserver.Server, error) {
	tlsCfg := config.Grpc.TLS
	if tlsCfg.Enabled {
		err := cert.Ensure(cert.Paths{
			CACert:     tlsCfg.CAFile,
			CAKey:      tlsCfg.CAKeyFile,
			ServerCert: tlsCfg.CertFile,
			ServerKey:  tlsCfg.KeyFile,
		}, &cert.Options{
			DomainNames: ParseCommaSeparated(tlsCfg.DomainNames),
			IPAddresses: ParseIPs(tlsCfg.IPAddresses),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to prepare TLS certificates: %w", err)
		}
	}

	return grpcserver.NewServer(config.Grpc.Port, receiver, &grpcserver.TLSConfig{
		Enabled:    tlsCfg.Enabled,
		CertFile:   tlsCfg.CertFile,
		KeyFile:    tlsCfg.KeyFile,
		CAFile:     tlsCfg.CAFile,
		ClientAuth: tlsCfg.ClientAuth,
	}), nil
}

// newMaterialPoller returns nil when no materials are configured.
func newMaterialPoller(tracker *drain.Tracker, m *metrics.Metrics) (*material.Poller, error) {
	if len(config.Materials.Git) == 0 {
		return nil, nil
	}
	materials := make([]material.Material, 0, len(config.Materials.Git))
	for _, gitCfg := range config.Materials.Git {
		gm, err := material.NewGitMaterial(gitCfg)
		if err != nil {
			return nil, fmt.Errorf("invalid git material %q: %w", gitCfg.Name, err)
		}
		materials = append(materials, gm)
	}
	return material.NewPoller(tracker, materials, config.Materials.PollInterval, m), nil
}
