package services

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/aperturelabs/mediasearch-backend/internal/media"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
	"github.com/aperturelabs/mediasearch-backend/internal/video"
)

// Excerpt clips carry a little context before the requested moment so a
// scene hit does not start mid-action.
const (
	clipDuration       = 10.0
	clipContextSeconds = 2.0
)

var (
	ErrAssetNotFound = errors.New("asset not found")
	ErrNotVideo      = errors.New("asset is not a video")
)

// ClipService lazily produces excerpt clips around a timestamp. The first
// request for a given second re-encodes from the source file; later requests
// hit the cached MP4 until the data-dir sweep ages it out.
type ClipService interface {
	ResolveClip(ctx context.Context, assetID int64, ts float64) (string, error)
}

type clipService struct {
	assets repos.AssetRepo
	store  media.Store
	tools  video.Tools
	group  singleflight.Group
	log    *logger.Logger
}

func NewClipService(assets repos.AssetRepo, store media.Store, tools video.Tools, baseLog *logger.Logger) ClipService {
	return &clipService{
		assets: assets,
		store:  store,
		tools:  tools,
		log:    baseLog.With("service", "clips"),
	}
}

// ResolveClip returns the data-dir-relative path of the clip covering ts,
// producing it on first request. Concurrent requests for the same second
// share one encode.
func (s *clipService) ResolveClip(ctx context.Context, assetID int64, ts float64) (string, error) {
	asset, err := s.assets.GetByID(ctx, nil, assetID)
	if err != nil {
		return "", fmt.Errorf("load asset %d: %w", assetID, err)
	}
	if asset == nil || asset.Library == nil {
		return "", ErrAssetNotFound
	}
	if asset.Type != types.AssetTypeVideo {
		return "", ErrNotVideo
	}
	if ts < 0 {
		ts = 0
	}
	rel := media.ClipRelPath(asset.Library.Slug, asset.ID, ts)
	if _, err := os.Stat(s.store.AbsPath(rel)); err == nil {
		return rel, nil
	}
	// The encode must outlive the first requester: a disconnect would
	// otherwise fail every waiter sharing the flight. ExtractClip bounds
	// itself with its own timeout.
	encodeCtx := context.WithoutCancel(ctx)
	_, err, _ = s.group.Do(rel, func() (interface{}, error) {
		if _, err := os.Stat(s.store.AbsPath(rel)); err == nil {
			return nil, nil
		}
		spanCtx, span := otel.Tracer("mediasearch.clips").Start(encodeCtx, "clip.encode",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.Int64("asset.id", asset.ID),
				attribute.Float64("clip.ts", ts),
			))
		defer span.End()
		source, err := media.SafeJoin(asset.Library.AbsolutePath, asset.RelPath)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "source path escaped the library root")
			return nil, fmt.Errorf("resolve source: %w", err)
		}
		attempt := s.tools.ExtractClip(spanCtx, source, s.store.AbsPath(rel), ts, clipDuration, clipContextSeconds)
		if !attempt.OK() {
			err := fmt.Errorf("extract clip: %s", attempt.StderrTail())
			span.RecordError(err)
			span.SetStatus(codes.Error, "ffmpeg clip extraction failed")
			return nil, err
		}
		s.log.Info("Produced excerpt clip", "asset_id", asset.ID, "ts", ts, "rel_path", rel)
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return rel, nil
}
