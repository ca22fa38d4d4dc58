package media

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Derivative categories under the data dir. Proxies and thumbnails shard by
// asset id so no single directory accumulates an unbounded number of entries;
// video scene and clip artifacts group per asset instead because everything
// belonging to an asset is written and deleted together.
const (
	categoryProxies     = "proxies"
	categoryThumbnails  = "thumbnails"
	categoryVideoClips  = "video_clips"
	categoryVideoScenes = "video_scenes"

	shardBuckets = 1000
)

func shardOf(assetID int64) int64 {
	return assetID % shardBuckets
}

// ProxyRelPath returns the data-dir-relative path of an asset's proxy. Images
// proxy to WebP, videos to an MP4 intermediate.
func ProxyRelPath(librarySlug string, assetID int64, assetType string) string {
	ext := ".webp"
	if assetType == "video" {
		ext = ".mp4"
	}
	return path.Join(librarySlug, categoryProxies, fmt.Sprintf("%d", shardOf(assetID)), fmt.Sprintf("%d%s", assetID, ext))
}

func ThumbnailRelPath(librarySlug string, assetID int64) string {
	return path.Join(librarySlug, categoryThumbnails, fmt.Sprintf("%d", shardOf(assetID)), fmt.Sprintf("%d.jpg", assetID))
}

// VideoClipDir holds an asset's head clip and any on-demand excerpt clips.
func VideoClipDir(librarySlug string, assetID int64) string {
	return path.Join(categoryVideoClips, librarySlug, fmt.Sprintf("%d", assetID))
}

// HeadClipRelPath is the stream-copied head clip used for hover previews.
func HeadClipRelPath(librarySlug string, assetID int64) string {
	return path.Join(VideoClipDir(librarySlug, assetID), "head_clip.mp4")
}

// ClipRelPath names the cached excerpt clip around a scene timestamp. The
// name keys on the integer second so repeated requests for the same moment
// hit the cache instead of re-encoding.
func ClipRelPath(librarySlug string, assetID int64, ts float64) string {
	return path.Join(VideoClipDir(librarySlug, assetID), fmt.Sprintf("clip_%d.mp4", int64(ts)))
}

// VideoSceneDir holds all per-scene artifacts of one asset: representative
// frames named by scene bounds, plus preview.webp.
func VideoSceneDir(librarySlug string, assetID int64) string {
	return path.Join(categoryVideoScenes, librarySlug, fmt.Sprintf("%d", assetID))
}

// SceneFrameRelPath names a scene's representative frame by its start and end
// timestamps with millisecond precision, so re-segmenting a video never
// collides with artifacts from an earlier pass over different bounds.
func SceneFrameRelPath(librarySlug string, assetID int64, startTS, endTS float64) string {
	return path.Join(VideoSceneDir(librarySlug, assetID), fmt.Sprintf("%.3f_%.3f.jpg", startTS, endTS))
}

func AnimatedPreviewRelPath(librarySlug string, assetID int64) string {
	return path.Join(VideoSceneDir(librarySlug, assetID), "preview.webp")
}

// DerivativeRoots lists the data-dir-relative directories that can hold one
// library's derivatives. Orphan sweeps walk exactly these, so stray files
// elsewhere under the data dir are never touched.
func DerivativeRoots(librarySlug string) []string {
	return []string{
		path.Join(librarySlug, categoryThumbnails),
		path.Join(librarySlug, categoryProxies),
		path.Join(categoryVideoClips, librarySlug),
		path.Join(categoryVideoScenes, librarySlug),
	}
}

// SafeJoin resolves rel against root and rejects anything that would escape
// it: absolute paths, drive-relative paths, and ".." traversal.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("safe join: empty root")
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("safe join: path %q escapes root", rel)
	}
	joined := filepath.Join(root, cleaned)
	rootClean := filepath.Clean(root)
	if joined != rootClean && !strings.HasPrefix(joined, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("safe join: path %q escapes root", rel)
	}
	return joined, nil
}
