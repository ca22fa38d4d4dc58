package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/services"
)

// BrowseItem is one row of the unranked library page.
type BrowseItem struct {
	AssetID         int64     `json:"asset_id"`
	Type            string    `json:"type"`
	Status          string    `json:"status"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
	ThumbnailURL    *string   `json:"thumbnail_url,omitempty"`
	PreviewURL      *string   `json:"preview_url,omitempty"`
	VideoPreviewURL *string   `json:"video_preview_url,omitempty"`
	Filename        string    `json:"filename"`
	Size            int64     `json:"size"`
	Mtime           time.Time `json:"mtime"`
}

type AssetsHandler struct {
	log     *logger.Logger
	catalog services.CatalogService
	clips   services.ClipService
}

func NewAssetsHandler(log *logger.Logger, catalog services.CatalogService, clips services.ClipService) *AssetsHandler {
	return &AssetsHandler{
		log:     log.With("handler", "AssetsHandler"),
		catalog: catalog,
		clips:   clips,
	}
}

func (h *AssetsHandler) ListLibraryAssets(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	p := repos.BrowseParams{
		Slug:   c.Param("slug"),
		Type:   c.Query("type"),
		Sort:   c.DefaultQuery("sort", "mtime"),
		Order:  c.DefaultQuery("order", "desc"),
		Limit:  limit,
		Offset: offset,
	}
	assets, hasMore, err := h.catalog.ListLibraryAssets(c.Request.Context(), p)
	if err != nil {
		h.log.Error("ListLibraryAssets failed", "error", err, "slug", p.Slug)
		RespondError(c, http.StatusInternalServerError, "list_assets_failed", err)
		return
	}
	items := make([]BrowseItem, 0, len(assets))
	for _, a := range assets {
		items = append(items, BrowseItem{
			AssetID:         a.ID,
			Type:            a.Type,
			Status:          a.Status,
			ErrorMessage:    a.ErrorMessage,
			ThumbnailURL:    fileURL(a.ThumbnailPath),
			PreviewURL:      previewURL(a.PreviewPath, a.ProxyPath),
			VideoPreviewURL: fileURL(a.VideoPreviewPath),
			Filename:        path.Base(a.RelPath),
			Size:            a.Size,
			Mtime:           a.Mtime,
		})
	}
	RespondOK(c, gin.H{"items": items, "has_more": hasMore})
}

// Clip redirects to the cached excerpt around ts, producing it on first
// request.
func (h *AssetsHandler) Clip(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		RespondError(c, http.StatusNotFound, "asset_not_found", services.ErrAssetNotFound)
		return
	}
	ts, err := strconv.ParseFloat(c.DefaultQuery("ts", "0"), 64)
	if err != nil {
		RespondError(c, http.StatusUnprocessableEntity, "invalid_timestamp", fmt.Errorf("ts %q is not a number", c.Query("ts")))
		return
	}
	rel, err := h.clips.ResolveClip(c.Request.Context(), id, ts)
	switch {
	case errors.Is(err, services.ErrAssetNotFound):
		RespondError(c, http.StatusNotFound, "asset_not_found", err)
		return
	case errors.Is(err, services.ErrNotVideo):
		RespondError(c, http.StatusUnprocessableEntity, "not_a_video", err)
		return
	case err != nil:
		h.log.Error("Clip production failed", "error", err, "asset_id", id, "ts", ts)
		RespondError(c, http.StatusInternalServerError, "clip_failed", err)
		return
	}
	c.Redirect(http.StatusFound, FilesMount+"/"+rel)
}
