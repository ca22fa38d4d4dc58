package handlers

import (
	"fmt"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/services"
)

func fmtSceneTS(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// SearchItem is one ranked hit on the wire. MatchRatio is a percentage here,
// unlike the repository row's fraction.
type SearchItem struct {
	AssetID         int64    `json:"asset_id"`
	Type            string   `json:"type"`
	Status          string   `json:"status"`
	ErrorMessage    *string  `json:"error_message,omitempty"`
	ThumbnailURL    *string  `json:"thumbnail_url,omitempty"`
	PreviewURL      *string  `json:"preview_url,omitempty"`
	VideoPreviewURL *string  `json:"video_preview_url,omitempty"`
	FinalRank       float64  `json:"final_rank"`
	MatchRatio      float64  `json:"match_ratio"`
	BestSceneTS     *string  `json:"best_scene_ts,omitempty"`
	BestSceneTSSecs *float64 `json:"best_scene_ts_seconds,omitempty"`
	LibrarySlug     string   `json:"library_slug"`
	LibraryName     string   `json:"library_name"`
	Filename        string   `json:"filename"`
}

type SearchHandler struct {
	log    *logger.Logger
	search services.SearchService
}

func NewSearchHandler(log *logger.Logger, search services.SearchService) *SearchHandler {
	return &SearchHandler{
		log:    log.With("handler", "SearchHandler"),
		search: search,
	}
}

func (h *SearchHandler) Search(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	p := repos.SearchParams{
		VibeQuery:    c.Query("q"),
		OCRQuery:     c.Query("ocr"),
		LibrarySlugs: c.QueryArray("library"),
		Types:        c.QueryArray("type"),
		Tag:          c.Query("tag"),
		Limit:        limit,
	}
	rows, err := h.search.Search(c.Request.Context(), p)
	if err != nil {
		h.log.Error("Search failed", "error", err)
		RespondError(c, http.StatusInternalServerError, "search_failed", err)
		return
	}
	busy, err := h.search.AnyLibrariesAnalyzing(c.Request.Context(), p.LibrarySlugs)
	if err != nil {
		h.log.Warn("Analyzing check failed, header defaults to false", "error", err)
		busy = false
	}
	c.Header("X-Library-Analyzing", strconv.FormatBool(busy))

	items := make([]SearchItem, 0, len(rows))
	for _, row := range rows {
		item := SearchItem{
			AssetID:         row.AssetID,
			Type:            row.Type,
			Status:          row.Status,
			ErrorMessage:    row.ErrorMessage,
			ThumbnailURL:    fileURL(row.ThumbnailPath),
			PreviewURL:      previewURL(row.PreviewPath, row.ProxyPath),
			VideoPreviewURL: fileURL(row.VideoPreviewPath),
			FinalRank:       row.FinalRank,
			MatchRatio:      row.MatchRatio * 100,
			LibrarySlug:     row.LibrarySlug,
			LibraryName:     row.LibraryName,
			Filename:        path.Base(row.RelPath),
		}
		if row.BestSceneTS != nil {
			formatted := fmtSceneTS(*row.BestSceneTS)
			item.BestSceneTS = &formatted
			item.BestSceneTSSecs = row.BestSceneTS
		}
		items = append(items, item)
	}
	RespondOK(c, gin.H{"items": items})
}
