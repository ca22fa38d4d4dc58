package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aperturelabs/mediasearch-backend/internal/app"
	"github.com/aperturelabs/mediasearch-backend/internal/db"
	"github.com/aperturelabs/mediasearch-backend/internal/media"
	"github.com/aperturelabs/mediasearch-backend/internal/observability"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	shutdownOtel := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "mediasearch-worker",
		Version:     types.SchemaVersion,
	})
	if shutdownOtel != nil {
		defer func() { _ = shutdownOtel(context.Background()) }()
	}

	// Postgres
	pg, err := db.NewPostgresService(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}

	// Media store
	store, err := media.NewStore(cfg.DataDir, log)
	if err != nil {
		log.Fatal("Media store init failed", "error", err)
	}

	// Fleet
	fleet, err := app.BuildFleet(pg.DB(), store, cfg, log)
	if err != nil {
		log.Fatal("Fleet assembly failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal lets in-flight entries finish; a second one cancels
	// them through the context.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("Shutdown requested, letting in-flight work finish")
		fleet.Stop()
		<-sigs
		log.Warn("Second signal, canceling in-flight work")
		cancel()
	}()

	if err := fleet.Run(ctx); err != nil {
		log.Error("Fleet exited with error", "error", err)
		log.Sync()
		os.Exit(1)
	}
	log.Info("Fleet exited cleanly")
}
