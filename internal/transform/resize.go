// Package transform decodes uploaded sketches and scales them to fit a
// fixed bounding box, re-encoding in the format they arrived in.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"github.com/tinytelemetry/thousand/internal/model"
)

// DefaultMaxPixels bounds the decoded size of an upload.
const DefaultMaxPixels = 40_000_000

// Resizer scales images to fit within MaxWidth x MaxHeight.
type Resizer struct {
	MaxWidth  int
	MaxHeight int
	MaxPixels int
}

// NewResizer returns a Resizer for the given box, applying defaults for
// non-positive dimensions.
func NewResizer(maxWidth, maxHeight int) *Resizer {
	if maxWidth <= 0 {
		maxWidth = model.DefaultMaxWidth
	}
	if maxHeight <= 0 {
		maxHeight = model.DefaultMaxHeight
	}
	return &Resizer{
		MaxWidth:  maxWidth,
		MaxHeight: maxHeight,
		MaxPixels: DefaultMaxPixels,
	}
}

// Transform decodes buf, contains it in the bounding box and re-encodes it.
// The output canvas is exactly MaxWidth x MaxHeight with the scaled image
// centred; the uncovered margin is transparent (white for JPEG).
func (r *Resizer) Transform(ctx context.Context, buf []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(buf))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &DecodeError{Err: errors.New("empty image")}
	}
	if r.MaxPixels > 0 && cfg.Width*cfg.Height > r.MaxPixels {
		return nil, &DecodeError{Err: fmt.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, r.MaxPixels)}
	}

	src, _, err := image.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	dst := r.contain(src, format == "jpeg")

	var out bytes.Buffer
	if err := encode(&out, dst, format); err != nil {
		return nil, &EncodeError{Format: format, Err: err}
	}
	return out.Bytes(), nil
}

// ContainRect returns the destination rectangle for a w x h image
// contained in the resizer's box, centred.
func (r *Resizer) ContainRect(w, h int) image.Rectangle {
	sx := float64(r.MaxWidth) / float64(w)
	sy := float64(r.MaxHeight) / float64(h)
	scale := sx
	if sy < sx {
		scale = sy
	}

	dw := int(float64(w)*scale + 0.5)
	dh := int(float64(h)*scale + 0.5)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}
	x0 := (r.MaxWidth - dw) / 2
	y0 := (r.MaxHeight - dh) / 2
	return image.Rect(x0, y0, x0+dw, y0+dh)
}

func (r *Resizer) contain(src image.Image, opaque bool) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, r.MaxWidth, r.MaxHeight))
	if opaque {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	}
	b := src.Bounds()
	draw.CatmullRom.Scale(dst, r.ContainRect(b.Dx(), b.Dy()), src, b, draw.Over, nil)
	return dst
}

func encode(out *bytes.Buffer, img image.Image, format string) error {
	switch format {
	case "png":
		return png.Encode(out, img)
	case "jpeg":
		return jpeg.Encode(out, img, &jpeg.Options{Quality: 90})
	case "gif":
		return gif.Encode(out, img, nil)
	case "bmp":
		return bmp.Encode(out, img)
	case "tiff":
		return tiff.Encode(out, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
