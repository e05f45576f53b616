// Package pods hands out delivery endpoints for incoming sketches.
package pods

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/tinytelemetry/thousand/internal/model"
)

// ErrNoPods is returned when no endpoint is configured.
var ErrNoPods = errors.New("pods: no pods available")

// Claimer yields an available endpoint on demand.
type Claimer interface {
	Claim(ctx context.Context) (model.Endpoint, error)
}

// Pool hands out a fixed set of endpoints round-robin. Ids repeat once
// the pool wraps, which is how container ids get reused.
type Pool struct {
	endpoints []model.Endpoint
	next      atomic.Uint64
}

// NewPool creates a pool over endpoints. The slice is copied.
func NewPool(endpoints []model.Endpoint) *Pool {
	eps := make([]model.Endpoint, len(endpoints))
	copy(eps, endpoints)
	return &Pool{endpoints: eps}
}

// Claim returns the next endpoint.
func (p *Pool) Claim(ctx context.Context) (model.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return model.Endpoint{}, err
	}
	if len(p.endpoints) == 0 {
		return model.Endpoint{}, ErrNoPods
	}
	i := (p.next.Add(1) - 1) % uint64(len(p.endpoints))
	return p.endpoints[i], nil
}

// Size reports the number of configured endpoints.
func (p *Pool) Size() int { return len(p.endpoints) }

var _ Claimer = (*Pool)(nil)
