package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/services"
)

type StatusHandler struct {
	log    *logger.Logger
	status services.StatusService
}

func NewStatusHandler(log *logger.Logger, status services.StatusService) *StatusHandler {
	return &StatusHandler{
		log:    log.With("handler", "StatusHandler"),
		status: status,
	}
}

// Health answers 200 while the database responds and 503 once it stops.
func (h *StatusHandler) Health(c *gin.Context) {
	health := h.status.Health(c.Request.Context())
	code := http.StatusOK
	status := "ok"
	if health.DBStatus != "connected" {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{
		"status":         status,
		"schema_version": health.SchemaVersion,
		"db":             health.DBStatus,
	})
}

// SystemStatus is the fleet-and-counters read the UI polls.
func (h *StatusHandler) SystemStatus(c *gin.Context) {
	fleet, err := h.status.Fleet(c.Request.Context())
	if err != nil {
		h.log.Error("Fleet read failed", "error", err)
		RespondError(c, http.StatusInternalServerError, "fleet_failed", err)
		return
	}
	stats, err := h.status.LibraryStats(c.Request.Context())
	if err != nil {
		h.log.Error("Library stats read failed", "error", err)
		RespondError(c, http.StatusInternalServerError, "stats_failed", err)
		return
	}
	RespondOK(c, gin.H{"fleet": fleet, "stats": stats})
}

func (h *StatusHandler) Libraries(c *gin.Context) {
	libs, err := h.status.Libraries(c.Request.Context())
	if err != nil {
		h.log.Error("Library listing failed", "error", err)
		RespondError(c, http.StatusInternalServerError, "list_libraries_failed", err)
		return
	}
	RespondOK(c, gin.H{"items": libs})
}
