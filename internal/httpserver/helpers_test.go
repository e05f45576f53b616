package httpserver

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/tinytelemetry/thousand/internal/artifactcache"
	"github.com/tinytelemetry/thousand/internal/clock"
	"github.com/tinytelemetry/thousand/internal/delivery"
	"github.com/tinytelemetry/thousand/internal/events"
	"github.com/tinytelemetry/thousand/internal/model"
	"github.com/tinytelemetry/thousand/internal/pipeline"
	"github.com/tinytelemetry/thousand/internal/pods"
	"github.com/tinytelemetry/thousand/internal/sketchfs"
	"github.com/tinytelemetry/thousand/internal/transform"
)

func newPipeline(t *testing.T, endpoints ...model.Endpoint) *pipeline.Orchestrator {
	t.Helper()
	dir, err := sketchfs.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sketchfs.Open: %v", err)
	}
	orch, err := pipeline.New(pipeline.Config{
		Transformer: transform.NewResizer(model.DefaultMaxWidth, model.DefaultMaxHeight),
		Claimer:     pods.NewPool(endpoints),
		Persister:   dir,
		Deliverer:   delivery.New(delivery.DefaultPolicy(), delivery.WithClock(clock.NewFake(time.Unix(0, 0)))),
		Cache:       artifactcache.New(),
		Publisher:   events.NewBus(events.DefaultBuffer),
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return orch
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, color.NRGBA{G: 180, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}
