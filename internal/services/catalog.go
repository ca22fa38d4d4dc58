package services

import (
	"context"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

const (
	defaultBrowseLimit = 100
	maxBrowseLimit     = 500
)

// CatalogService serves the unranked browse surface: one library's assets
// paged by mtime, filename, or size.
type CatalogService interface {
	ListLibraryAssets(ctx context.Context, p repos.BrowseParams) ([]*types.Asset, bool, error)
}

type catalogService struct {
	assets repos.AssetRepo
	log    *logger.Logger
}

func NewCatalogService(assets repos.AssetRepo, baseLog *logger.Logger) CatalogService {
	return &catalogService{
		assets: assets,
		log:    baseLog.With("service", "catalog"),
	}
}

// ListLibraryAssets returns one page and whether more rows follow it.
func (s *catalogService) ListLibraryAssets(ctx context.Context, p repos.BrowseParams) ([]*types.Asset, bool, error) {
	if p.Limit <= 0 {
		p.Limit = defaultBrowseLimit
	} else if p.Limit > maxBrowseLimit {
		p.Limit = maxBrowseLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	items, total, err := s.assets.ListByLibrarySlug(ctx, nil, p)
	if err != nil {
		return nil, false, err
	}
	hasMore := int64(p.Offset+len(items)) < total
	return items, hasMore, nil
}
