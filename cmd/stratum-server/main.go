package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/stratumhq/stratum-backend/internal/api"
	"github.com/stratumhq/stratum-backend/internal/infra"
	"github.com/stratumhq/stratum-backend/internal/record"
	"github.com/stratumhq/stratum-backend/internal/schema"
	"github.com/stratumhq/stratum-backend/pkg/config"
	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/logger"
	"github.com/stratumhq/stratum-backend/pkg/messaging"
	"github.com/stratumhq/stratum-backend/pkg/patterncache"
)

func main() {
	// Load configuration
	cfg, err := config.LoadWithValidation("stratum-server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("stratum-server", cfg.Server.Environment)
	log.Info().Str("driver", cfg.Database.Driver).Msg("starting Stratum server")

	// Select the storage adapter
	var adapter dbase.Adapter
	switch cfg.Database.Driver {
	case "sqlite":
		adapter = dbase.NewSQLiteAdapter(&cfg.FileStore, log)
	default:
		adapter = dbase.NewPostgresAdapter(&cfg.Database, log)
	}

	ctx := context.Background()
	if err := adapter.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer adapter.Disconnect()

	// Infrastructure registry
	tenants, err := infra.NewManager(adapter, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create tenant manager")
	}
	if err := tenants.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize infrastructure namespace")
	}

	// Core components
	registry := schema.NewRegistry(cfg, log)
	patterns := patterncache.New(cfg, log)

	// Change fan-out (optional)
	runCtx, stopConsumers := context.WithCancel(ctx)
	defer stopConsumers()

	var (
		changes   record.ChangePublisher
		tenantPub *messaging.Publisher
	)
	if cfg.Events.Enabled {
		rmq, err := messaging.New(&cfg.Events, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer rmq.Close()

		pub, err := messaging.NewPublisher(rmq, cfg.Events.Exchange, "stratum-server", log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
		changes = record.NewAMQPChangePublisher(pub, log)
		tenantPub = pub

		// Keep replica caches coherent with other instances' metadata
		// writes.
		sync, err := record.NewSchemaEventConsumer(rmq, registry, patterns, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create schema sync consumer")
		}
		if err := sync.Start(runCtx); err != nil {
			log.Fatal().Err(err).Msg("failed to start schema sync consumer")
		}
	}

	pipeline := record.NewPipeline(registry, patterns, changes, log)

	if err := bootstrapTenant(ctx, tenants, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap tenant")
	}

	// HTTP surface
	server := api.NewServer(adapter, tenants, pipeline, tenantPub, cfg, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	stopConsumers()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// bootstrapTenant provisions the configured tenant when it does not exist
// yet. The owner's generated secret is logged exactly once; rotate it
// after first login.
func bootstrapTenant(ctx context.Context, tenants *infra.Manager, cfg *config.Config, log *logger.Logger) error {
	name := cfg.Bootstrap.Tenant
	if name == "" {
		return nil
	}

	if _, err := tenants.GetTenant(ctx, name); err == nil {
		return nil
	} else if errors.Code(err) != "RECORD_NOT_FOUND" {
		return err
	}

	tenant, owner, err := tenants.CreateTenant(ctx, infra.CreateTenantRequest{
		Name:          name,
		OwnerUsername: cfg.Bootstrap.Owner,
	})
	if err != nil {
		return err
	}

	log.Warn().
		Str("tenant", tenant.Name).
		Str("owner", owner.Name).
		Str("owner_id", owner.ID.String()).
		Str("initial_secret", owner.Secret).
		Msg("bootstrap tenant provisioned; rotate the initial secret")
	return nil
}
