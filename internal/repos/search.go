package repos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 500
)

// SearchParams carries one blended query. VibeQuery ranks against the whole
// analysis document, OCRQuery against the extracted text only; when both are
// given a row must satisfy both and the ranks add. With neither, results
// fall back to browse order (source mtime descending).
type SearchParams struct {
	VibeQuery    string
	OCRQuery     string
	LibrarySlugs []string
	Types        []string
	Tag          string
	Limit        int
}

// SearchRow is one ranked hit. MatchRatio is a fraction: always 1.0 for
// images, matched scenes over total scenes for videos. BestSceneTS is nil
// for images and for browse results.
type SearchRow struct {
	AssetID          int64      `gorm:"column:asset_id"`
	Type             string     `gorm:"column:type"`
	Status           string     `gorm:"column:status"`
	ErrorMessage     *string    `gorm:"column:error_message"`
	RelPath          string     `gorm:"column:rel_path"`
	LibrarySlug      string     `gorm:"column:library_slug"`
	LibraryName      string     `gorm:"column:library_name"`
	ThumbnailPath    *string    `gorm:"column:thumbnail_path"`
	ProxyPath        *string    `gorm:"column:proxy_path"`
	PreviewPath      *string    `gorm:"column:preview_path"`
	VideoPreviewPath *string    `gorm:"column:video_preview_path"`
	Mtime            time.Time  `gorm:"column:mtime"`
	FinalRank        float64    `gorm:"column:final_rank"`
	MatchRatio       float64    `gorm:"column:match_ratio"`
	BestSceneTS      *float64   `gorm:"column:best_scene_ts"`
}

type SearchRepo interface {
	Search(ctx context.Context, tx *gorm.DB, p SearchParams) ([]*SearchRow, error)
}

type searchRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSearchRepo(db *gorm.DB, baseLog *logger.Logger) SearchRepo {
	return &searchRepo{
		db:  db,
		log: baseLog.With("repo", "SearchRepo"),
	}
}

func (r *searchRepo) Search(ctx context.Context, tx *gorm.DB, p SearchParams) ([]*SearchRow, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	vibe := strings.TrimSpace(p.VibeQuery)
	ocr := strings.TrimSpace(p.OCRQuery)
	if vibe == "" && ocr == "" {
		return r.browse(ctx, transaction, p, limit)
	}

	wantImages, wantVideos := wantedTypes(p.Types)
	if !wantImages && !wantVideos {
		return []*SearchRow{}, nil
	}

	var (
		ctes []string
		args []interface{}
		hits []string
	)

	if wantImages {
		rankParts := []string{}
		condParts := []string{}
		if vibe != "" {
			rankParts = append(rankParts, "ts_rank_cd(to_tsvector('english', a.visual_analysis), websearch_to_tsquery('english', ?))")
			condParts = append(condParts, "to_tsvector('english', a.visual_analysis) @@ websearch_to_tsquery('english', ?)")
			args = append(args, vibe, vibe)
		}
		if ocr != "" {
			rankParts = append(rankParts, "ts_rank_cd(to_tsvector('english', COALESCE(a.visual_analysis->>'ocr_text', '')), websearch_to_tsquery('english', ?))")
			condParts = append(condParts, "to_tsvector('english', COALESCE(a.visual_analysis->>'ocr_text', '')) @@ websearch_to_tsquery('english', ?)")
			args = append(args, ocr, ocr)
		}
		where := []string{
			"l.deleted_at IS NULL",
			"a.type = 'image'",
			"a.visual_analysis IS NOT NULL",
		}
		where = append(where, condParts...)
		if len(p.LibrarySlugs) > 0 {
			where = append(where, "l.slug IN ?")
			args = append(args, p.LibrarySlugs)
		}
		if p.Tag != "" {
			where = append(where, "jsonb_exists(a.visual_analysis->'tags', ?)")
			args = append(args, p.Tag)
		}
		ctes = append(ctes, fmt.Sprintf(`image_hits AS (
			SELECT a.id AS asset_id,
			       (%s) AS final_rank,
			       1.0::float8 AS match_ratio,
			       NULL::float8 AS best_scene_ts
			FROM asset a
			JOIN library l ON l.id = a.library_id
			WHERE %s
		)`, strings.Join(rankParts, " + "), strings.Join(where, "\n			  AND ")))
		hits = append(hits, "SELECT * FROM image_hits")
	}

	if wantVideos {
		rankParts := []string{}
		// Leading with the null check keeps matched a strict boolean; an
		// unanalyzed scene counts in the denominator but can never match.
		matchParts := []string{"s.metadata IS NOT NULL"}
		if vibe != "" {
			rankParts = append(rankParts, "ts_rank_cd(to_tsvector('english', s.metadata), websearch_to_tsquery('english', ?))")
			matchParts = append(matchParts, "to_tsvector('english', s.metadata) @@ websearch_to_tsquery('english', ?)")
			args = append(args, vibe, vibe)
		}
		if ocr != "" {
			rankParts = append(rankParts, "ts_rank_cd(to_tsvector('english', COALESCE(s.metadata->'moondream'->>'ocr_text', '')), websearch_to_tsquery('english', ?))")
			matchParts = append(matchParts, "to_tsvector('english', COALESCE(s.metadata->'moondream'->>'ocr_text', '')) @@ websearch_to_tsquery('english', ?)")
			args = append(args, ocr, ocr)
		}
		if p.Tag != "" {
			matchParts = append(matchParts, "jsonb_exists(s.metadata->'moondream'->'tags', ?)")
			args = append(args, p.Tag)
		}
		sceneWhere := []string{"l.deleted_at IS NULL"}
		if len(p.LibrarySlugs) > 0 {
			sceneWhere = append(sceneWhere, "l.slug IN ?")
			args = append(args, p.LibrarySlugs)
		}
		ctes = append(ctes, fmt.Sprintf(`scene_scores AS (
			SELECT s.asset_id,
			       s.start_ts,
			       (%s) AS scene_rank,
			       (%s) AS matched
			FROM video_scenes s
			JOIN asset a ON a.id = s.asset_id
			JOIN library l ON l.id = a.library_id
			WHERE %s
		)`, strings.Join(rankParts, " + "), strings.Join(matchParts, " AND "), strings.Join(sceneWhere, " AND ")))
		ctes = append(ctes, `video_hits AS (
			SELECT ss.asset_id,
			       MAX(ss.scene_rank) FILTER (WHERE ss.matched) AS final_rank,
			       (COUNT(*) FILTER (WHERE ss.matched))::float8 / COUNT(*)::float8 AS match_ratio,
			       (array_agg(ss.start_ts ORDER BY ss.matched DESC, ss.scene_rank DESC))[1] AS best_scene_ts
			FROM scene_scores ss
			GROUP BY ss.asset_id
			HAVING COUNT(*) FILTER (WHERE ss.matched) > 0
		)`)
		hits = append(hits, "SELECT * FROM video_hits")
	}

	sql := fmt.Sprintf(`
		WITH %s
		SELECT a.id AS asset_id, a.type, a.status, a.error_message, a.rel_path,
		       l.slug AS library_slug, l.name AS library_name,
		       a.thumbnail_path, a.proxy_path, a.preview_path, a.video_preview_path,
		       a.mtime, h.final_rank, h.match_ratio, h.best_scene_ts
		FROM (%s) h
		JOIN asset a ON a.id = h.asset_id
		JOIN library l ON l.id = a.library_id
		ORDER BY h.final_rank DESC, a.id DESC
		LIMIT ?
	`, strings.Join(ctes, ",\n		"), strings.Join(hits, " UNION ALL "))
	args = append(args, limit)

	var rows []*SearchRow
	if err := transaction.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*SearchRow{}
	}
	return rows, nil
}

// browse returns the newest assets in scope with no ranking, used when the
// request carries no text query.
func (r *searchRepo) browse(ctx context.Context, transaction *gorm.DB, p SearchParams, limit int) ([]*SearchRow, error) {
	where := []string{"l.deleted_at IS NULL"}
	var args []interface{}
	if len(p.LibrarySlugs) > 0 {
		where = append(where, "l.slug IN ?")
		args = append(args, p.LibrarySlugs)
	}
	if len(p.Types) > 0 {
		where = append(where, "a.type IN ?")
		args = append(args, p.Types)
	}
	if p.Tag != "" {
		where = append(where, `(
			(a.type = 'image' AND a.visual_analysis IS NOT NULL AND jsonb_exists(a.visual_analysis->'tags', ?))
			OR (a.type = 'video' AND EXISTS (
				SELECT 1 FROM video_scenes s
				WHERE s.asset_id = a.id
				  AND jsonb_exists(s.metadata->'moondream'->'tags', ?)
			))
		)`)
		args = append(args, p.Tag, p.Tag)
	}

	sql := fmt.Sprintf(`
		SELECT a.id AS asset_id, a.type, a.status, a.error_message, a.rel_path,
		       l.slug AS library_slug, l.name AS library_name,
		       a.thumbnail_path, a.proxy_path, a.preview_path, a.video_preview_path,
		       a.mtime, 0::float8 AS final_rank, 1.0::float8 AS match_ratio,
		       NULL::float8 AS best_scene_ts
		FROM asset a
		JOIN library l ON l.id = a.library_id
		WHERE %s
		ORDER BY a.mtime DESC, a.id DESC
		LIMIT ?
	`, strings.Join(where, " AND "))
	args = append(args, limit)

	var rows []*SearchRow
	if err := transaction.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*SearchRow{}
	}
	return rows, nil
}

func wantedTypes(filter []string) (images bool, videos bool) {
	if len(filter) == 0 {
		return true, true
	}
	for _, t := range filter {
		switch t {
		case types.AssetTypeImage:
			images = true
		case types.AssetTypeVideo:
			videos = true
		}
	}
	return images, videos
}
