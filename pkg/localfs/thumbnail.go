package localfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"styleai/internal/metrics"
)

const thumbnailQuality = 70

// ThumbnailName is the cache name of the thumbnail derived from localPath.
func ThumbnailName(localPath string) string {
	base := filepath.Base(localPath)
	return "thumb_" + strings.TrimSuffix(base, filepath.Ext(base)) + ".jpg"
}

// Thumbnail writes a JPEG no larger than maxDim on either side next to
// localPath and returns its path. An existing thumbnail is reused.
func (s *Store) Thumbnail(localPath string, maxDim int) (string, error) {
	if maxDim <= 0 {
		return "", errors.New("localfs: thumbnail size must be > 0")
	}
	target := filepath.Join(filepath.Dir(localPath), ThumbnailName(localPath))
	if fileExists(target) {
		return target, nil
	}
	img, err := imaging.Open(localPath, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", filepath.Base(localPath), err)
	}
	thumb := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)

	tmp, err := os.CreateTemp(filepath.Dir(target), ".thumb-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if err := imaging.Encode(tmp, thumb, imaging.JPEG, imaging.JPEGQuality(thumbnailQuality)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	metrics.Downloads.WithLabelValues("thumbnail").Inc()
	return target, nil
}
