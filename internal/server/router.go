package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/aperturelabs/mediasearch-backend/internal/handlers"
)

type RouterConfig struct {
	SearchHandler *handlers.SearchHandler
	AssetsHandler *handlers.AssetsHandler
	StatusHandler *handlers.StatusHandler
	DataDir       string
	AllowOrigins  []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-Requested-With"},
		// The search UI reads this to show its "still indexing" banner.
		ExposeHeaders: []string{"X-Library-Analyzing"},
	}))
	router.Use(otelgin.Middleware("mediasearch-api"))

	router.GET("/health", cfg.StatusHandler.Health)

	api := router.Group("/api")
	{
		api.GET("/search", cfg.SearchHandler.Search)
		api.GET("/libraries", cfg.StatusHandler.Libraries)
		api.GET("/libraries/:slug/assets", cfg.AssetsHandler.ListLibraryAssets)
		api.GET("/assets/:id/clip", cfg.AssetsHandler.Clip)
		api.GET("/system/status", cfg.StatusHandler.SystemStatus)
	}

	// Thumbnails, proxies, previews and excerpt clips are served straight
	// off the data dir under the same mount every API URL points at.
	if cfg.DataDir != "" {
		router.Static(handlers.FilesMount, cfg.DataDir)
	}

	return router
}
