package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aperturelabs/mediasearch-backend/internal/app"
	"github.com/aperturelabs/mediasearch-backend/internal/db"
	"github.com/aperturelabs/mediasearch-backend/internal/handlers"
	"github.com/aperturelabs/mediasearch-backend/internal/media"
	"github.com/aperturelabs/mediasearch-backend/internal/observability"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/server"
	"github.com/aperturelabs/mediasearch-backend/internal/services"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
	"github.com/aperturelabs/mediasearch-backend/internal/video"
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
		ServiceName: "mediasearch-api",
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
	thePG := pg.DB()

	// Media store
	store, err := media.NewStore(cfg.DataDir, log)
	if err != nil {
		log.Fatal("Media store init failed", "error", err)
	}

	// Repos
	log.Info("Setting up repos...")
	assetRepo := repos.NewAssetRepo(thePG, log)
	searchRepo := repos.NewSearchRepo(thePG, log)
	uiRepo := repos.NewUIRepo(thePG, log)

	// Services
	log.Info("Setting up services...")
	searchService := services.NewSearchService(searchRepo, uiRepo, log)
	catalogService := services.NewCatalogService(assetRepo, log)
	statusService := services.NewStatusService(uiRepo, log)
	clipService := services.NewClipService(assetRepo, store, video.NewTools(log), log)

	// Handlers
	log.Info("Setting up handlers...")
	searchHandler := handlers.NewSearchHandler(log, searchService)
	assetsHandler := handlers.NewAssetsHandler(log, catalogService, clipService)
	statusHandler := handlers.NewStatusHandler(log, statusService)

	// Router
	log.Info("Setting up router...")
	router := server.NewRouter(server.RouterConfig{
		SearchHandler: searchHandler,
		AssetsHandler: assetsHandler,
		StatusHandler: statusHandler,
		DataDir:       cfg.DataDir,
		AllowOrigins:  cfg.API.AllowOrigins,
	})

	log.Info("API listening", "addr", cfg.API.Addr)
	if err := router.Run(cfg.API.Addr); err != nil {
		log.Fatal("Server failed", "error", err)
	}
}
