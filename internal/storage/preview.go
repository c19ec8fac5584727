package storage

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"nasdrive/internal/common"
)

const (
	DefaultThumbSize = 256
	maxThumbSize     = 1024
	// maxThumbPixels bounds the decoded source. Decoding holds the full
	// image in memory, about four bytes per pixel.
	maxThumbPixels = 50_000_000
)

var errImageTooLarge = errors.New("image too large to preview")

// IsPreviewable reports whether Thumbnail can decode files called name.
func IsPreviewable(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// Thumbnail returns a JPEG no larger than max pixels on either side.
func (s *Service) Thumbnail(ctx context.Context, user, logical string, max int) ([]byte, error) {
	const op = "thumbnail"
	root, err := s.userRoot(op, user)
	if err != nil {
		return nil, err
	}
	c, err := s.resolver.Resolve(root, logical)
	if err != nil {
		return nil, common.Wrap(op, logical, err)
	}
	if !c.Info.Mode().IsRegular() || !IsPreviewable(c.Name()) {
		return nil, common.NewPathError(op, logical, common.ErrNotFound).WithDetail("no preview")
	}
	if max <= 0 {
		max = DefaultThumbSize
	}
	if max > maxThumbSize {
		max = maxThumbSize
	}
	b, err := makeThumb(c.Abs, max)
	if err != nil {
		s.logger.Debug(ctx, "thumbnail failed", "path", c.Logical, "err", err)
		return nil, common.NewPathError(op, logical, common.ErrNotFound).WithDetail("no preview")
	}
	return b, nil
}

func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, os.ErrInvalid
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxThumbPixels {
		return nil, errImageTooLarge
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}

	nw, nh := fit(w, h, max)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// fit scales w x h down so the longer side is at most max.
func fit(w, h, max int) (int, int) {
	nw, nh := w, h
	if w > h {
		if w > max {
			nw = max
			nh = int(float64(h) * (float64(max) / float64(w)))
		}
	} else if h > max {
		nh = max
		nw = int(float64(w) * (float64(max) / float64(h)))
	}
	return maxInt(nw, 1), maxInt(nh, 1)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
