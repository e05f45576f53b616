// Package pipeline drives one sketch from upload to cache: transform,
// pod assignment, concurrent persist and deliver, then cache and notify.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"

	"github.com/tinytelemetry/thousand/internal/artifactcache"
	"github.com/tinytelemetry/thousand/internal/delivery"
	"github.com/tinytelemetry/thousand/internal/model"
	"github.com/tinytelemetry/thousand/internal/pods"
)

// RemoveAll is the Remove target that clears every cached sketch.
const RemoveAll = "all"

// ErrInvalidID is returned when a sketch id is neither an integer nor "all".
var ErrInvalidID = errors.New("pipeline: invalid sketch id")

// Transformer turns a raw upload into the bounded output image.
type Transformer interface {
	Transform(ctx context.Context, buf []byte) ([]byte, error)
}

// Persister is the durable side of the fan-out.
type Persister interface {
	Persist(ctx context.Context, id int, buf []byte) error
	OpenSketch(id int) (io.ReadCloser, error)
	Censor(id int) error
}

// Deliverer posts an artifact to its pod.
type Deliverer interface {
	Deliver(ctx context.Context, a model.Artifact, buf []byte) delivery.Result
}

// Publisher is the fire-and-forget notification sink.
type Publisher interface {
	Publish(name string, payload any)
}

// Config lists the collaborators of an Orchestrator. Recorder is optional.
type Config struct {
	Transformer Transformer
	Claimer     pods.Claimer
	Persister   Persister
	Deliverer   Deliverer
	Cache       *artifactcache.Cache
	Publisher   Publisher
	Recorder    model.DeliveryRecorder
}

// Orchestrator runs ingest, retrieve and remove.
type Orchestrator struct {
	transformer Transformer
	claimer     pods.Claimer
	persister   Persister
	deliverer   Deliverer
	cache       *artifactcache.Cache
	publisher   Publisher
	recorder    model.DeliveryRecorder
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Transformer == nil:
		return nil, errors.New("pipeline: transformer is required")
	case cfg.Claimer == nil:
		return nil, errors.New("pipeline: claimer is required")
	case cfg.Persister == nil:
		return nil, errors.New("pipeline: persister is required")
	case cfg.Deliverer == nil:
		return nil, errors.New("pipeline: deliverer is required")
	case cfg.Cache == nil:
		return nil, errors.New("pipeline: cache is required")
	case cfg.Publisher == nil:
		return nil, errors.New("pipeline: publisher is required")
	}
	return &Orchestrator{
		transformer: cfg.Transformer,
		claimer:     cfg.Claimer,
		persister:   cfg.Persister,
		deliverer:   cfg.Deliverer,
		cache:       cfg.Cache,
		publisher:   cfg.Publisher,
		recorder:    cfg.Recorder,
	}, nil
}

// Ingest processes one upload and returns the caller-visible summary.
// Transform and persistence failures are returned; delivery failures
// only show up as a fallback URL on the summary.
func (o *Orchestrator) Ingest(ctx context.Context, raw []byte, meta model.Metadata) (model.Artifact, error) {
	buf, err := o.transformer.Transform(ctx, raw)
	if err != nil {
		return model.Artifact{}, err
	}

	ep, err := o.claimer.Claim(ctx)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("pipeline: claim pod: %w", err)
	}
	a := model.NewArtifact(ep, meta)

	res, err := o.FanOut(ctx, a, buf)
	if err != nil {
		log.Printf("pipeline: sketch %d: %v", a.ContainerID, err)
		return model.Artifact{}, err
	}
	sketch := res.Artifact

	o.cache.Put(sketch.ContainerID, buf)
	o.record(res)
	o.publisher.Publish(model.EventNewSketch, sketch)
	return sketch, nil
}

func (o *Orchestrator) record(res delivery.Result) {
	if o.recorder == nil {
		return
	}
	a := res.Artifact
	o.recorder.Add(&model.DeliveryRecord{
		ContainerID:  a.ContainerID,
		URL:          a.URL,
		UIURL:        a.UIURL,
		Name:         a.Name,
		CUID:         a.CUID,
		SubmissionID: a.SubmissionID,
		State:        res.State.String(),
		Attempts:     res.Attempts,
	})
}

// Retrieve returns the processed image for id. A cached copy is handed
// out once; later reads stream the persisted file.
func (o *Orchestrator) Retrieve(ctx context.Context, id int) (io.ReadCloser, error) {
	if buf, ok := o.cache.Take(id); ok {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return o.persister.OpenSketch(id)
}

// Remove drops one sketch, or every cached sketch when target is "all".
// A single sketch is also replaced on disk by the placeholder image.
func (o *Orchestrator) Remove(ctx context.Context, target string) error {
	if target == RemoveAll {
		o.cache.EvictAll()
		o.publisher.Publish(model.EventRemoveAll, nil)
		return nil
	}

	id, err := strconv.Atoi(target)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, target)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	o.cache.Evict(id)
	o.publisher.Publish(model.EventRemoveSketch, id)
	if err := o.persister.Censor(id); err != nil {
		return fmt.Errorf("pipeline: censor sketch %d: %w", id, err)
	}
	return nil
}

// Cached returns the number of sketches waiting in the cache.
func (o *Orchestrator) Cached() int {
	return o.cache.Len()
}
