package services

import (
	"context"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
)

// API-side limits for blended search. The repository clamps harder at its
// own ceiling; this is the page size the UI is allowed to ask for.
const (
	defaultAPISearchLimit = 60
	maxAPISearchLimit     = 200
)

// SearchService fronts the blended full-text query for the API and answers
// whether any selected library is still analyzing, which the UI shows as a
// partial-results banner.
type SearchService interface {
	Search(ctx context.Context, p repos.SearchParams) ([]*repos.SearchRow, error)
	AnyLibrariesAnalyzing(ctx context.Context, slugs []string) (bool, error)
}

type searchService struct {
	search repos.SearchRepo
	ui     repos.UIRepo
	log    *logger.Logger
}

func NewSearchService(search repos.SearchRepo, ui repos.UIRepo, baseLog *logger.Logger) SearchService {
	return &searchService{
		search: search,
		ui:     ui,
		log:    baseLog.With("service", "search"),
	}
}

func (s *searchService) Search(ctx context.Context, p repos.SearchParams) ([]*repos.SearchRow, error) {
	if p.Limit <= 0 {
		p.Limit = defaultAPISearchLimit
	} else if p.Limit > maxAPISearchLimit {
		p.Limit = maxAPISearchLimit
	}
	return s.search.Search(ctx, nil, p)
}

func (s *searchService) AnyLibrariesAnalyzing(ctx context.Context, slugs []string) (bool, error) {
	return s.ui.AnyLibrariesAnalyzing(ctx, nil, slugs)
}
