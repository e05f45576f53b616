// Package delivery posts processed sketches to their assigned pod.
//
// Each delivery runs a small state machine: attempt, classify the
// outcome, then either finish, wait and try again, or give up and point
// the artifact at the fallback host. Deliver never fails from the
// caller's point of view; giving up is reported through the terminal
// State of the Result.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/tinytelemetry/thousand/internal/clock"
	"github.com/tinytelemetry/thousand/internal/model"
)

// Result is the outcome of one Deliver call.
type Result struct {
	// Artifact is the input artifact with URL and RetryCount as left by
	// the terminal state.
	Artifact model.Artifact
	State    State
	Attempts int
	Body     []byte
	Note     string
}

// TransitionFunc observes state changes for one artifact.
type TransitionFunc func(containerID int, from, to State)

// Deliverer runs the delivery state machine. One Deliverer is shared by
// all in-flight requests so the socket cap applies process-wide.
type Deliverer struct {
	policy       Policy
	client       *http.Client
	sockets      *semaphore.Weighted
	clock        clock.Clock
	onTransition TransitionFunc
}

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithHTTPClient replaces the pooled client built from the policy.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Deliverer) {
		d.client = c
	}
}

// WithClock replaces the real clock used for backoff waits.
func WithClock(c clock.Clock) Option {
	return func(d *Deliverer) {
		d.clock = c
	}
}

// WithTransitionFunc installs a state observer.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(d *Deliverer) {
		d.onTransition = fn
	}
}

// New creates a Deliverer for policy.
func New(policy Policy, opts ...Option) *Deliverer {
	policy = policy.withDefaults()
	d := &Deliverer{
		policy:  policy,
		sockets: semaphore.NewWeighted(int64(policy.MaxSockets)),
		clock:   clock.Real(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{Transport: NewTransport(policy.MaxSockets)}
	}
	return d
}

// Policy returns the effective policy after defaults.
func (d *Deliverer) Policy() Policy {
	return d.policy
}

// FallbackURL returns the fallback destination for a.
func (d *Deliverer) FallbackURL(a model.Artifact) string {
	ui := a.UIURL
	if ui == "" {
		ui = model.SketchPath(a.ContainerID)
	}
	return strings.TrimRight(d.policy.FallbackBaseURL, "/") + ui
}

// PostURL returns the pod endpoint that receives a's image.
func PostURL(a model.Artifact) string {
	q := url.Values{}
	q.Set("username", a.Name)
	q.Set("cuid", a.CUID)
	q.Set("submission", a.SubmissionID)
	return strings.TrimRight(a.URL, "/") + "/doodle?" + q.Encode()
}

// Deliver posts buf to a's pod, retrying recoverable failures with linear
// backoff. It always returns a Result in a terminal state.
func (d *Deliverer) Deliver(ctx context.Context, a model.Artifact, buf []byte) Result {
	if a.URL == "" {
		log.Printf("delivery: POST disabled for sketch %s", a.UIURL)
		a.URL = d.FallbackURL(a)
		a.RetryCount = 0
		d.transition(a.ContainerID, StateIdle, StateDisabled)
		return Result{Artifact: a, State: StateDisabled, Note: "delivery disabled"}
	}

	postURL := PostURL(a)
	log.Printf("delivery: POST sketch to url: %s", postURL)

	res := Result{}
	state := StateIdle
	move := func(to State) {
		d.transition(a.ContainerID, state, to)
		state = to
	}

	for {
		move(StateAttempting)
		body, err := d.attempt(ctx, postURL, buf)
		res.Attempts++

		if err == nil {
			if a.RetryCount > 0 {
				log.Printf("delivery: POST recovery (#%d) for url: %s", a.RetryCount, a.URL)
			} else {
				log.Printf("delivery: POST success for url: %s", a.URL)
			}
			a.RetryCount = 0
			move(StateSuccess)
			res.Artifact, res.State, res.Body = a, StateSuccess, body
			return res
		}

		if isAuthFailure(err) {
			log.Printf("delivery: %v, falling back for %s", err, a.URL)
			a.URL = d.FallbackURL(a)
			a.RetryCount = 0
			move(StateAuthFailure)
			res.Artifact, res.State, res.Note = a, StateAuthFailure, err.Error()
			return res
		}

		move(StateRecoverableFailure)
		a.RetryCount++
		if a.RetryCount == 1 {
			log.Printf("delivery: %v", err)
		}
		if a.RetryCount >= d.policy.MaxRetries {
			log.Printf("delivery: too many retries: %s", a.URL)
			a.URL = d.FallbackURL(a)
			a.RetryCount = 0
			move(StateRetryExhausted)
			res.Artifact, res.State, res.Note = a, StateRetryExhausted, err.Error()
			return res
		}

		move(StateBackoffWait)
		select {
		case <-d.clock.After(d.policy.Backoff(a.RetryCount)):
		case <-ctx.Done():
			log.Printf("delivery: abandoned after %d attempts: %v", res.Attempts, ctx.Err())
			a.URL = d.FallbackURL(a)
			a.RetryCount = 0
			move(StateRetryExhausted)
			res.Artifact, res.State, res.Note = a, StateRetryExhausted, ctx.Err().Error()
			return res
		}
	}
}

func (d *Deliverer) transition(id int, from, to State) {
	if d.onTransition != nil {
		d.onTransition(id, from, to)
	}
}

// attempt performs a single POST. A nil error means the pod accepted the
// image; otherwise the error is a *StatusError or a transport error.
func (d *Deliverer) attempt(ctx context.Context, postURL string, buf []byte) ([]byte, error) {
	if err := d.sockets.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for socket: %w", err)
	}
	defer d.sockets.Release(1)

	ctx, cancel := context.WithTimeout(ctx, d.policy.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("error POSTing sketch to %s: %w", postURL, err)
	}
	req.Header.Set("Content-Type", http.DetectContentType(buf))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error POSTing sketch to %s: %w", postURL, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, d.policy.MaxResponseBytes))
	// Drain so the connection returns to the pool.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, URL: postURL}
	}
	if readErr != nil {
		return nil, fmt.Errorf("error reading response from %s: %w", postURL, readErr)
	}
	return body, nil
}

// StatusError reports a pod response other than 200.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d: error POSTing sketch to %s", e.Code, e.URL)
}

func isAuthFailure(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}
