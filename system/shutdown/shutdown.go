package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds a whole shutdown run.
const DefaultTimeout = 15 * time.Second

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// Sequence runs teardown steps in the order they were added. Relays are
// switched off before the bus closes, and the bus closes before the stores.
type Sequence struct {
	mu    sync.Mutex
	steps []step
	once  sync.Once
	err   error
}

func (s *Sequence) Add(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{name: name, fn: fn})
}

// AddFunc registers a step that cannot fail.
func (s *Sequence) AddFunc(name string, fn func()) {
	s.Add(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Run executes every step once, even when earlier ones fail. Later calls
// return the first run's result.
func (s *Sequence) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		steps := append([]step(nil), s.steps...)
		s.mu.Unlock()

		var errs []error
		for _, st := range steps {
			start := time.Now()
			if err := st.fn(ctx); err != nil {
				log.Error().Err(err).Str("step", st.name).Msg("Shutdown step failed")
				errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
				continue
			}
			log.Info().Str("step", st.name).Dur("took", time.Since(start)).Msg("Shutdown step complete")
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}

// Shutdown runs the sequence with DefaultTimeout and exits.
func (s *Sequence) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	code := 0
	if err := s.Run(ctx); err != nil {
		code = 1
	}
	log.Info().Msg("Relay controller stopped")
	os.Exit(code)
}

func (s *Sequence) ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	s.Shutdown()
}
