package transform

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func solidPNG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestTransform_FitsBoxPreservingAspect(t *testing.T) {
	t.Parallel()

	red := color.NRGBA{R: 255, A: 255}
	r := NewResizer(150, 150)

	out, err := r.Transform(context.Background(), solidPNG(t, 300, 150, red))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	img, format, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "png" {
		t.Fatalf("output format = %q, want png", format)
	}
	if b := img.Bounds(); b.Dx() != 150 || b.Dy() != 150 {
		t.Fatalf("output bounds = %v, want 150x150", b)
	}

	// 300x150 scales to 150x75, centred vertically.
	if _, _, _, a := img.At(75, 2).RGBA(); a != 0 {
		t.Fatalf("margin pixel alpha = %d, want 0", a)
	}
	if _, _, _, a := img.At(75, 147).RGBA(); a != 0 {
		t.Fatalf("bottom margin pixel alpha = %d, want 0", a)
	}
	rr, g, bb, a := img.At(75, 75).RGBA()
	if a < 0xff00 || rr < 0xff00 || g > 0x100 || bb > 0x100 {
		t.Fatalf("centre pixel = (%d,%d,%d,%d), want opaque red", rr, g, bb, a)
	}
}

func TestContainRect(t *testing.T) {
	t.Parallel()

	r := NewResizer(150, 150)
	tests := []struct {
		name string
		w, h int
		want image.Rectangle
	}{
		{name: "wide", w: 300, h: 150, want: image.Rect(0, 37, 150, 112)},
		{name: "tall", w: 100, h: 400, want: image.Rect(56, 0, 94, 150)},
		{name: "square", w: 600, h: 600, want: image.Rect(0, 0, 150, 150)},
		{name: "small upscales", w: 30, h: 15, want: image.Rect(0, 37, 150, 112)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := r.ContainRect(tt.w, tt.h)
			if got != tt.want {
				t.Fatalf("ContainRect(%d, %d) = %v, want %v", tt.w, tt.h, got, tt.want)
			}
			if got.Dx() > 150 || got.Dy() > 150 {
				t.Fatalf("rect %v exceeds box", got)
			}
		})
	}
}

func TestTransform_KeepsJPEG(t *testing.T) {
	t.Parallel()

	src := image.NewRGBA(image.Rect(0, 0, 64, 32))
	var in bytes.Buffer
	if err := jpeg.Encode(&in, src, nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}

	out, err := NewResizer(0, 0).Transform(context.Background(), in.Bytes())
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if format != "jpeg" {
		t.Fatalf("format = %q, want jpeg", format)
	}
	if cfg.Width != 150 || cfg.Height != 150 {
		t.Fatalf("size = %dx%d, want 150x150", cfg.Width, cfg.Height)
	}
}

func TestTransform_InvalidInput(t *testing.T) {
	t.Parallel()

	r := NewResizer(150, 150)
	valid := solidPNG(t, 10, 10, color.NRGBA{A: 255})

	inputs := map[string][]byte{
		"empty":     nil,
		"text":      []byte("definitely not an image"),
		"truncated": valid[:len(valid)/2],
	}

	for name, in := range inputs {
		in := in
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			out, err := r.Transform(context.Background(), in)
			if out != nil {
				t.Fatalf("got %d output bytes on invalid input", len(out))
			}
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("err = %v, want *DecodeError", err)
			}
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("errors.Is(err, ErrDecode) = false for %v", err)
			}
		})
	}
}

func TestTransform_RejectsOversizedImage(t *testing.T) {
	t.Parallel()

	r := NewResizer(150, 150)
	r.MaxPixels = 50

	_, err := r.Transform(context.Background(), solidPNG(t, 10, 10, color.NRGBA{A: 255}))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestTransform_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewResizer(150, 150).Transform(ctx, solidPNG(t, 4, 4, color.NRGBA{A: 255})); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
