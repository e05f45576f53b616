package pipeline

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/thousand/internal/delivery"
	"github.com/tinytelemetry/thousand/internal/model"
	"github.com/tinytelemetry/thousand/internal/sketchfs"
)

// FanOut writes buf to the persistence sink and delivers it to the
// artifact's pod at the same time, and returns once both have settled.
//
// A persistence failure is returned as a *sketchfs.PersistenceError.
// Delivery never fails the fan-out: its outcome, including any fallback
// rewrite of the artifact URL, is carried in the returned Result.
func (o *Orchestrator) FanOut(ctx context.Context, a model.Artifact, buf []byte) (delivery.Result, error) {
	var (
		g   errgroup.Group
		res delivery.Result
	)

	g.Go(func() error {
		if err := o.persister.Persist(ctx, a.ContainerID, buf); err != nil {
			var pe *sketchfs.PersistenceError
			if !errors.As(err, &pe) {
				err = &sketchfs.PersistenceError{ID: a.ContainerID, Err: err}
			}
			return err
		}
		return nil
	})

	// Delivery outlives the request: a client hanging up must not abort
	// an in-progress retry loop.
	deliverCtx := context.WithoutCancel(ctx)
	g.Go(func() error {
		res = o.deliverer.Deliver(deliverCtx, a, buf)
		return nil
	})

	err := g.Wait()
	return res, err
}
