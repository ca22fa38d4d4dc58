package media

import (
	"path/filepath"
	"sort"
	"strings"
)

var commonImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".bmp"}

// Camera-raw extensions by vendor. TIFF-container formats (.tif/.tiff) are
// deliberately not listed here: they decode on the common raster path.
var rawExtensions = []string{
	".cr2", ".cr3", ".crw", // Canon
	".nef", ".nrw", // Nikon
	".arw", ".sr2", ".srf", // Sony
	".raf",          // Fujifilm
	".orf",          // Olympus
	".rw2", ".raw",  // Panasonic
	".rwl",          // Leica
	".dng",          // Adobe universal
}

var universalImageExtensions = []string{".dng", ".tif", ".tiff"}

var videoExtensions = []string{".mp4", ".mkv", ".mov"}

var (
	imageExtSet     map[string]struct{}
	rawExtSet       map[string]struct{}
	videoExtSet     map[string]struct{}
	imageExtSorted  []string
	videoExtSorted  []string
	proxyableSorted []string
)

func init() {
	imageExtSet = make(map[string]struct{})
	for _, lst := range [][]string{commonImageExtensions, rawExtensions, universalImageExtensions} {
		for _, ext := range lst {
			imageExtSet[ext] = struct{}{}
		}
	}
	rawExtSet = make(map[string]struct{}, len(rawExtensions))
	for _, ext := range rawExtensions {
		rawExtSet[ext] = struct{}{}
	}
	videoExtSet = make(map[string]struct{}, len(videoExtensions))
	for _, ext := range videoExtensions {
		videoExtSet[ext] = struct{}{}
	}
	imageExtSorted = sortedKeys(imageExtSet)
	videoExtSorted = sortedKeys(videoExtSet)
	proxyableSorted = append(append([]string{}, imageExtSorted...), videoExtSorted...)
	sort.Strings(proxyableSorted)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func extOf(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

func IsImage(path string) bool {
	_, ok := imageExtSet[extOf(path)]
	return ok
}

func IsRaw(path string) bool {
	_, ok := rawExtSet[extOf(path)]
	return ok
}

func IsVideo(path string) bool {
	_, ok := videoExtSet[extOf(path)]
	return ok
}

func IsProxyable(path string) bool {
	return IsImage(path) || IsVideo(path)
}

// AssetTypeFor returns "image" or "video" for supported paths, "" otherwise.
func AssetTypeFor(path string) string {
	switch {
	case IsImage(path):
		return "image"
	case IsVideo(path):
		return "video"
	default:
		return ""
	}
}

// ImageExtensions returns the supported image extensions, sorted, with dots.
func ImageExtensions() []string {
	return append([]string{}, imageExtSorted...)
}

func VideoExtensions() []string {
	return append([]string{}, videoExtSorted...)
}

func ProxyableExtensions() []string {
	return append([]string{}, proxyableSorted...)
}
