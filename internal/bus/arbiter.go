// Package bus serialises every transaction on the shared serial line.
//
// The Arbiter runs a single worker. Operations are started in submission
// order, one at a time, with at least MinSpacing between consecutive starts.
// Each operation runs under Timeout; when it overruns, the caller is released
// with a bus timeout and the worker gives the abandoned transaction at most
// DrainGrace to finish before moving on.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/metrics"
	"github.com/thatsimonsguy/relay-controller/internal/relayerr"
)

const (
	DefaultMinSpacing = 100 * time.Millisecond
	DefaultTimeout    = 1 * time.Second
)

// Operation is one bus transaction. ctx expires at the transaction timeout.
type Operation func(ctx context.Context) error

type Config struct {
	MinSpacing time.Duration
	Timeout    time.Duration
	DrainGrace time.Duration
	Metrics    metrics.Sink
}

type job struct {
	name     string
	ctx      context.Context
	op       Operation
	enqueued time.Time
	done     chan error
}

type Arbiter struct {
	cfg     Config
	metrics metrics.Sink

	mu     sync.Mutex
	queue  []*job
	closed bool

	wake      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	lastStart time.Time
}

// New starts the worker. A zero Timeout falls back to DefaultTimeout and a
// zero DrainGrace to Timeout.
func New(cfg Config) *Arbiter {
	if cfg.MinSpacing < 0 {
		cfg.MinSpacing = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = cfg.Timeout
	}
	a := &Arbiter{
		cfg:     cfg,
		metrics: metrics.OrNop(cfg.Metrics),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go a.loop()
	return a
}

// Enqueue submits op and blocks until it has run, been skipped, or ctx is
// done. If ctx ends while op is still queued, op is never started.
func (a *Arbiter) Enqueue(ctx context.Context, name string, op Operation) error {
	j := &job{name: name, ctx: ctx, op: op, enqueued: time.Now(), done: make(chan error, 1)}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrArbiterClosed
	}
	a.queue = append(a.queue, j)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit runs fn through a and returns its result.
func Submit[T any](ctx context.Context, a *Arbiter, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	res := make(chan T, 1)
	err := a.Enqueue(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		res <- v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return <-res, nil
}

// Len is the number of operations waiting to start.
func (a *Arbiter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Close stops accepting work, fails everything still queued with
// ErrArbiterClosed and waits for the in-flight operation. Safe to call more
// than once.
func (a *Arbiter) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		pending := a.queue
		a.queue = nil
		a.mu.Unlock()

		for _, j := range pending {
			j.done <- ErrArbiterClosed
		}
		select {
		case a.wake <- struct{}{}:
		default:
		}
	})
	<-a.stopped
}

func (a *Arbiter) next() (*job, bool) {
	for {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return nil, false
		}
		if len(a.queue) > 0 {
			j := a.queue[0]
			a.queue[0] = nil
			a.queue = a.queue[1:]
			a.mu.Unlock()
			return j, true
		}
		a.mu.Unlock()
		<-a.wake
	}
}

func (a *Arbiter) loop() {
	defer close(a.stopped)
	for {
		j, ok := a.next()
		if !ok {
			return
		}
		a.run(j)
	}
}

func (a *Arbiter) run(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}

	if wait := time.Until(a.lastStart.Add(a.cfg.MinSpacing)); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-j.ctx.Done():
			t.Stop()
			j.done <- j.ctx.Err()
			return
		}
	}

	start := time.Now()
	a.lastStart = start

	opCtx, cancel := context.WithTimeout(j.ctx, a.cfg.Timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("bus operation %s panicked: %v", j.name, r)
			}
		}()
		result <- j.op(opCtx)
	}()

	var err error
	select {
	case err = <-result:
		err = a.classify(j, err)
		j.done <- err
	case <-opCtx.Done():
		err = a.classify(j, opCtx.Err())
		j.done <- err

		grace := time.NewTimer(a.cfg.DrainGrace)
		select {
		case <-result:
			grace.Stop()
		case <-grace.C:
			log.Warn().
				Str("op", j.name).
				Dur("grace", a.cfg.DrainGrace).
				Msg("Abandoned bus transaction did not finish, releasing bus")
		}
	}

	a.metrics.RecordBusOp(metrics.BusOp{
		Name: j.name,
		Wait: start.Sub(j.enqueued),
		Run:  time.Since(start),
		Err:  err,
	})
}

// classify turns an expired transaction deadline into a bus timeout. A
// cancelled caller keeps its own context error.
func (a *Arbiter) classify(j *job, err error) error {
	if err == nil {
		return nil
	}
	if j.ctx.Err() != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return j.ctx.Err()
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return relayerr.BusTimeout(j.name, err)
	}
	return err
}
