package media

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/h2non/bimg"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
)

const (
	proxyMaxDim     = 768
	thumbnailMaxDim = 320
	encodeQuality   = 85
)

// Store owns the derivative tree under the data dir: proxies, thumbnails,
// head clips, scene frames, and the tmp staging area. Every write is staged
// and renamed into place so readers never observe a partial file.
type Store interface {
	DataDir() string
	TempDir() string
	AbsPath(rel string) string

	// NewTempPath returns a unique path in the staging area for tools that
	// write files themselves (ffmpeg). Callers promote or unlink it.
	NewTempPath(suffix string) string
	PromoteTempFile(tempAbs, rel string) error
	WriteFileAtomic(rel string, data []byte) error

	CreateImageDerivatives(sourceAbs, librarySlug string, assetID int64) (proxyRel, thumbRel string, err error)
	CreateThumbnailFromFrame(frame []byte, librarySlug string, assetID int64) (string, error)
	WriteSceneFrame(frame []byte, librarySlug string, assetID int64, startTS, endTS float64) (string, error)

	DerivativesExist(rels ...string) bool
	RemoveDerivatives(rels ...string)
	RemoveSceneArtifacts(librarySlug string, assetID int64) error
}

type store struct {
	dataDir string
	log     *logger.Logger
}

func NewStore(dataDir string, baseLog *logger.Logger) (Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("dataDir required")
	}
	if !filepath.IsAbs(dataDir) {
		return nil, fmt.Errorf("dataDir must be absolute, got %q", dataDir)
	}
	s := &store{
		dataDir: filepath.Clean(dataDir),
		log:     baseLog.With("service", "MediaStore"),
	}
	if err := os.MkdirAll(s.TempDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return s, nil
}

func (s *store) DataDir() string {
	return s.dataDir
}

func (s *store) TempDir() string {
	return filepath.Join(s.dataDir, "tmp")
}

func (s *store) AbsPath(rel string) string {
	return filepath.Join(s.dataDir, filepath.FromSlash(rel))
}

func (s *store) NewTempPath(suffix string) string {
	return filepath.Join(s.TempDir(), uuid.NewString()+suffix)
}

// PromoteTempFile moves a staged file to its final data-dir location. The
// staging area lives on the same volume, so the rename is atomic; on failure
// the temp file is unlinked rather than left for the sweeper.
func (s *store) PromoteTempFile(tempAbs, rel string) error {
	finalAbs := s.AbsPath(rel)
	if err := os.MkdirAll(filepath.Dir(finalAbs), 0o755); err != nil {
		_ = os.Remove(tempAbs)
		return fmt.Errorf("mkdir for %s: %w", rel, err)
	}
	if err := os.Rename(tempAbs, finalAbs); err != nil {
		_ = os.Remove(tempAbs)
		return fmt.Errorf("promote %s: %w", rel, err)
	}
	return nil
}

func (s *store) WriteFileAtomic(rel string, data []byte) error {
	abs := s.AbsPath(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", rel, err)
	}
	pending, err := renameio.NewPendingFile(abs)
	if err != nil {
		return fmt.Errorf("stage %s: %w", rel, err)
	}
	// Cleanup is a no-op after a successful replace; otherwise it unlinks
	// the temp file.
	defer func() {
		if cleanupErr := pending.Cleanup(); cleanupErr != nil {
			s.log.Debug("Pending file cleanup failed", "rel_path", rel, "error", cleanupErr)
		}
	}()
	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", rel, err)
	}
	return nil
}

// CreateImageDerivatives renders the proxy and thumbnail for one image
// asset. Raw files decode through their embedded JPEG preview when one is
// present, which avoids a full demosaic; the thumbnail always derives from
// the proxy so the original is decoded exactly once.
func (s *store) CreateImageDerivatives(sourceAbs, librarySlug string, assetID int64) (string, string, error) {
	source, err := os.ReadFile(sourceAbs)
	if err != nil {
		return "", "", fmt.Errorf("read source: %w", err)
	}

	decodable := source
	if IsRaw(sourceAbs) {
		if preview, ok := ExtractEmbeddedJPEG(source); ok {
			decodable = preview
		} else {
			s.log.Debug("Raw file has no embedded preview, decoding container directly", "asset_id", assetID)
		}
	}

	proxyBuf, err := bimg.NewImage(decodable).Process(bimg.Options{
		Width:     proxyMaxDim,
		Height:    proxyMaxDim,
		Quality:   encodeQuality,
		Type:      bimg.WEBP,
		NoProfile: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("encode proxy: %w", err)
	}
	proxyRel := ProxyRelPath(librarySlug, assetID, "image")
	if err := s.WriteFileAtomic(proxyRel, proxyBuf); err != nil {
		return "", "", err
	}

	thumbBuf, err := bimg.NewImage(proxyBuf).Process(bimg.Options{
		Width:     thumbnailMaxDim,
		Height:    thumbnailMaxDim,
		Quality:   encodeQuality,
		Type:      bimg.JPEG,
		NoProfile: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("encode thumbnail: %w", err)
	}
	thumbRel := ThumbnailRelPath(librarySlug, assetID)
	if err := s.WriteFileAtomic(thumbRel, thumbBuf); err != nil {
		return "", "", err
	}

	return proxyRel, thumbRel, nil
}

// CreateThumbnailFromFrame stores the poster thumbnail for a video asset
// from an already-extracted frame.
func (s *store) CreateThumbnailFromFrame(frame []byte, librarySlug string, assetID int64) (string, error) {
	thumbBuf, err := bimg.NewImage(frame).Process(bimg.Options{
		Width:     thumbnailMaxDim,
		Height:    thumbnailMaxDim,
		Quality:   encodeQuality,
		Type:      bimg.JPEG,
		NoProfile: true,
	})
	if err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	thumbRel := ThumbnailRelPath(librarySlug, assetID)
	if err := s.WriteFileAtomic(thumbRel, thumbBuf); err != nil {
		return "", err
	}
	return thumbRel, nil
}

// WriteSceneFrame persists a representative frame as delivered by the
// extractor. Frames arrive pre-scaled, so this is a plain atomic write.
func (s *store) WriteSceneFrame(frame []byte, librarySlug string, assetID int64, startTS, endTS float64) (string, error) {
	rel := SceneFrameRelPath(librarySlug, assetID, startTS, endTS)
	if err := s.WriteFileAtomic(rel, frame); err != nil {
		return "", err
	}
	return rel, nil
}

// DerivativesExist reports whether every non-empty rel path resolves to an
// existing file. Repair passes use it to spot assets whose derivatives were
// deleted out from under the index.
func (s *store) DerivativesExist(rels ...string) bool {
	for _, rel := range rels {
		if rel == "" {
			continue
		}
		if _, err := os.Stat(s.AbsPath(rel)); err != nil {
			return false
		}
	}
	return true
}

func (s *store) RemoveDerivatives(rels ...string) {
	for _, rel := range rels {
		if rel == "" {
			continue
		}
		if err := os.Remove(s.AbsPath(rel)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("Failed to remove derivative", "rel_path", rel, "error", err)
		}
	}
}

func (s *store) RemoveSceneArtifacts(librarySlug string, assetID int64) error {
	dir := s.AbsPath(VideoSceneDir(librarySlug, assetID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove scene artifacts: %w", err)
	}
	return nil
}
