// Package imageio loads tiles and reference images and writes composites.
package imageio

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/tiff"

	// Extra decoders for hot-folder frames.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/cjeanneret/StitchGo/internal/debug"
)

// Formats lists the output formats Save understands.
var Formats = []string{"png", "jpg", "tiff", "webp"}

// Extensions lists the file extensions Load accepts, lower case.
var Extensions = []string{".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp", ".webp", ".gif"}

// IsImageFile reports whether name has an extension Load accepts.
func IsImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Load decodes an image file, honoring EXIF orientation.
func Load(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Options control Save.
type Options struct {
	Format  string // png, jpg, tiff or webp
	Quality int    // 1-100 for jpg and webp
}

// Save writes img to dir as name plus the format extension and returns the path.
func Save(img image.Image, dir, name string, opts Options) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	format := strings.ToLower(opts.Format)
	if format == "" {
		format = "png"
	}
	path := filepath.Join(dir, name+"."+format)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if err := Encode(f, img, format, opts.Quality); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	debug.Info("Saved composite %s (%dx%d)", path, img.Bounds().Dx(), img.Bounds().Dy())
	return path, nil
}

// Encode writes img to w in the given format.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = 95
	}
	var err error
	switch strings.ToLower(format) {
	case "png":
		err = imaging.Encode(w, img, imaging.PNG)
	case "jpg", "jpeg":
		err = imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case "tiff", "tif":
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case "webp":
		err = webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", format, err)
	}
	return nil
}

// Enhance applies optional contrast (percent) and unsharp sharpening (sigma).
// Zero values leave the image untouched.
func Enhance(img *image.NRGBA, contrast, sharpen float64) *image.NRGBA {
	if contrast != 0 {
		img = imaging.AdjustContrast(img, contrast)
	}
	if sharpen > 0 {
		img = imaging.Sharpen(img, sharpen)
	}
	return img
}
