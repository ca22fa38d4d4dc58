package services

import (
	"context"
	"testing"

	"gorm.io/gorm"

	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

type fakeSearchRepo struct {
	params []repos.SearchParams
	rows   []*repos.SearchRow
}

func (f *fakeSearchRepo) Search(ctx context.Context, tx *gorm.DB, p repos.SearchParams) ([]*repos.SearchRow, error) {
	f.params = append(f.params, p)
	return f.rows, nil
}

type fakeUIRepo struct {
	repos.UIRepo
	analyzing bool
	asked     [][]string
}

func (f *fakeUIRepo) AnyLibrariesAnalyzing(ctx context.Context, tx *gorm.DB, slugs []string) (bool, error) {
	f.asked = append(f.asked, append([]string(nil), slugs...))
	return f.analyzing, nil
}

func TestSearchService_ClampsLimit(t *testing.T) {
	repo := &fakeSearchRepo{}
	svc := NewSearchService(repo, &fakeUIRepo{}, testLog(t))
	ctx := context.Background()

	if _, err := svc.Search(ctx, repos.SearchParams{VibeQuery: "beach"}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if _, err := svc.Search(ctx, repos.SearchParams{VibeQuery: "beach", Limit: 9999}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if _, err := svc.Search(ctx, repos.SearchParams{VibeQuery: "beach", Limit: 25}); err != nil {
		t.Fatalf("search: %v", err)
	}
	got := []int{repo.params[0].Limit, repo.params[1].Limit, repo.params[2].Limit}
	want := []int{60, 200, 25}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("limit[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSearchService_AnalyzingPassthrough(t *testing.T) {
	ui := &fakeUIRepo{analyzing: true}
	svc := NewSearchService(&fakeSearchRepo{}, ui, testLog(t))

	busy, err := svc.AnyLibrariesAnalyzing(context.Background(), []string{"fam", "work"})
	if err != nil || !busy {
		t.Fatalf("expected analyzing true, got %v err=%v", busy, err)
	}
	if len(ui.asked) != 1 || len(ui.asked[0]) != 2 || ui.asked[0][0] != "fam" {
		t.Fatalf("slugs not forwarded: %v", ui.asked)
	}
}

type fakeCatalogAssets struct {
	repos.AssetRepo
	params []repos.BrowseParams
	items  []*types.Asset
	total  int64
}

func (f *fakeCatalogAssets) ListByLibrarySlug(ctx context.Context, tx *gorm.DB, p repos.BrowseParams) ([]*types.Asset, int64, error) {
	f.params = append(f.params, p)
	n := p.Limit
	if n > len(f.items) {
		n = len(f.items)
	}
	return f.items[:n], f.total, nil
}

func TestCatalogService_PagingAndHasMore(t *testing.T) {
	assets := &fakeCatalogAssets{
		items: []*types.Asset{{ID: 1}, {ID: 2}, {ID: 3}},
		total: 7,
	}
	svc := NewCatalogService(assets, testLog(t))
	ctx := context.Background()

	items, hasMore, err := svc.ListLibraryAssets(ctx, repos.BrowseParams{Slug: "fam", Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 || !hasMore {
		t.Fatalf("expected 3 items with more, got %d hasMore=%v", len(items), hasMore)
	}

	items, hasMore, err = svc.ListLibraryAssets(ctx, repos.BrowseParams{Slug: "fam", Limit: 3, Offset: 4})
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if hasMore {
		t.Fatalf("offset 4 + 3 items covers total 7, hasMore should be false")
	}

	if _, _, err := svc.ListLibraryAssets(ctx, repos.BrowseParams{Slug: "fam"}); err != nil {
		t.Fatalf("list default: %v", err)
	}
	if _, _, err := svc.ListLibraryAssets(ctx, repos.BrowseParams{Slug: "fam", Limit: 9999, Offset: -4}); err != nil {
		t.Fatalf("list clamped: %v", err)
	}
	last := assets.params[len(assets.params)-1]
	if assets.params[len(assets.params)-2].Limit != 100 {
		t.Fatalf("zero limit should default to 100, got %d", assets.params[len(assets.params)-2].Limit)
	}
	if last.Limit != 500 || last.Offset != 0 {
		t.Fatalf("limit/offset not clamped: %+v", last)
	}
}
