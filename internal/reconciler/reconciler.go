// Package reconciler keeps each scheduled relay's physical state in line
// with what its schedules want.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/metrics"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/relayerr"
	"github.com/thatsimonsguy/relay-controller/internal/schedule"
)

const DefaultTickInterval = 60 * time.Second

// Change sources recorded with every write.
const (
	SourceSchedule = "schedule"
	SourceManual   = "manual"
	SourceShutdown = "shutdown"
)

type Device interface {
	ReadRelayState(ctx context.Context, ref model.RelayRef) (bool, error)
	SetRelayState(ctx context.Context, ref model.RelayRef, on bool) error
	SetMultipleRelayStates(ctx context.Context, addr model.SlaveAddress, states []bool) error
}

type Store interface {
	AddOrUpdate(ref model.RelayRef, w model.Window) (model.ScheduleEntry, error)
	Update(id string, p model.Patch) (model.ScheduleEntry, error)
	Delete(id string) (model.ScheduleEntry, bool, error)
	Get(id string) (model.ScheduleEntry, bool)
	ForRelay(ref model.RelayRef) []model.ScheduleEntry
	All() []model.ScheduleEntry
	Relays() []model.RelayRef
	SetActive(id string, active bool) error
}

// History persists applied writes.
type History interface {
	Record(ev db.RelayEvent) error
}

// Publisher announces relay state to other systems.
type Publisher interface {
	PublishRelayState(ref model.RelayRef, on bool, source string)
}

type Options struct {
	TickInterval      time.Duration
	TurnOffOnShutdown bool
	History           History
	Publisher         Publisher
	Metrics           metrics.Sink
}

// Outcome describes one single-relay pass.
type Outcome struct {
	Ref     model.RelayRef `json:"-"`
	Actual  bool           `json:"actual"`
	Desired bool           `json:"desired"`
	Changed bool           `json:"changed"`
}

type Reconciler struct {
	device  Device
	store   Store
	eval    *schedule.Evaluator
	opts    Options
	metrics metrics.Sink

	// passMu serialises single-relay passes from the tick and from API calls
	passMu sync.Mutex

	mu       sync.Mutex
	observed map[model.RelayRef]bool
	orphaned map[model.RelayRef]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(device Device, store Store, eval *schedule.Evaluator, opts Options) *Reconciler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	return &Reconciler{
		device:   device,
		store:    store,
		eval:     eval,
		opts:     opts,
		metrics:  metrics.OrNop(opts.Metrics),
		observed: map[model.RelayRef]bool{},
		orphaned: map[model.RelayRef]struct{}{},
	}
}

// Run performs a pass immediately and then one every TickInterval until ctx
// is cancelled or Stop is called. It blocks.
func (r *Reconciler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		cancel()
		log.Warn().Msg("Reconciler already running")
		return
	}
	r.cancel, r.done = cancel, done
	r.mu.Unlock()

	defer close(done)
	defer cancel()

	log.Info().Dur("interval", r.opts.TickInterval).Msg("Starting reconciler")

	r.Tick(ctx)

	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciler stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Stop cancels Run and waits for the current pass to end.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick reconciles every scheduled relay, plus relays whose last schedule was
// removed since the previous pass. Per-relay errors are logged and do not
// abort the pass.
func (r *Reconciler) Tick(ctx context.Context) metrics.TickResult {
	start := time.Now()
	refs := r.store.Relays()

	r.mu.Lock()
	for ref := range r.orphaned {
		if !containsRef(refs, ref) {
			refs = append(refs, ref)
		}
	}
	r.mu.Unlock()

	res := metrics.TickResult{Relays: len(refs)}
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		out, err := r.ReconcileRelay(ctx, ref)
		if err != nil {
			res.Errors++
			log.Error().
				Err(err).
				Uint8("slave_id", uint8(ref.Slave)).
				Int("relay", ref.Relay).
				Msg("Failed to reconcile relay")
			continue
		}
		if out.Changed {
			res.Changes++
		}
	}
	res.Duration = time.Since(start)
	r.metrics.RecordTick(res)

	log.Debug().
		Int("relays", res.Relays).
		Int("changes", res.Changes).
		Int("errors", res.Errors).
		Dur("took", res.Duration).
		Msg("Reconcile pass complete")
	return res
}

// ReconcileRelay reads the relay, evaluates its schedules and writes the
// desired state when the two differ.
func (r *Reconciler) ReconcileRelay(ctx context.Context, ref model.RelayRef) (Outcome, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	entries := r.store.ForRelay(ref)
	now := r.eval.Zone().Now()
	desired := r.eval.Desired(entries, now)
	out := Outcome{Ref: ref, Desired: desired}

	actual, err := r.device.ReadRelayState(ctx, ref)
	if err != nil {
		return out, fmt.Errorf("read %s: %w", ref, err)
	}
	out.Actual = actual

	if actual != desired {
		if err := r.device.SetRelayState(ctx, ref, desired); err != nil {
			return out, fmt.Errorf("write %s: %w", ref, err)
		}
		out.Changed = true
		log.Info().
			Uint8("slave_id", uint8(ref.Slave)).
			Int("relay", ref.Relay).
			Bool("state", desired).
			Msg("Relay state corrected to match schedule")
		r.recordChange(ref, desired, SourceSchedule, activeEntryID(r.eval, entries, now))
	}
	r.setObserved(ref, desired)

	if len(entries) == 0 {
		r.mu.Lock()
		delete(r.orphaned, ref)
		r.mu.Unlock()
	}

	for _, e := range entries {
		want := r.eval.IsActive(e, now)
		if e.Active == want {
			continue
		}
		if err := r.store.SetActive(e.ID, want); err != nil {
			log.Warn().Err(err).Str("id", e.ID).Msg("Failed to update schedule active flag")
		}
	}
	return out, nil
}

func activeEntryID(eval *schedule.Evaluator, entries []model.ScheduleEntry, now time.Time) string {
	for _, e := range entries {
		if eval.IsActive(e, now) {
			return e.ID
		}
	}
	return ""
}

// SetTimer stores a schedule for ref and reconciles the relay straight away.
// A bus failure during that pass is logged, not returned: the schedule exists
// and the next tick retries. A store error is returned alongside the entry.
func (r *Reconciler) SetTimer(ctx context.Context, ref model.RelayRef, w model.Window) (model.ScheduleEntry, error) {
	e, err := r.store.AddOrUpdate(ref, w)
	if err != nil && relayerr.KindOf(err) != relayerr.KindStore {
		return model.ScheduleEntry{}, err
	}
	storeErr := err

	r.mu.Lock()
	delete(r.orphaned, ref)
	r.mu.Unlock()

	r.reconcileNow(ctx, ref)

	if fresh, ok := r.store.Get(e.ID); ok {
		e = fresh
	}
	return e, storeErr
}

// UpdateTimer patches a schedule and reconciles its relay straight away.
func (r *Reconciler) UpdateTimer(ctx context.Context, id string, p model.Patch) (model.ScheduleEntry, error) {
	e, err := r.store.Update(id, p)
	if err != nil && relayerr.KindOf(err) != relayerr.KindStore {
		return model.ScheduleEntry{}, err
	}
	storeErr := err

	r.reconcileNow(ctx, e.Ref())

	if fresh, ok := r.store.Get(e.ID); ok {
		e = fresh
	}
	return e, storeErr
}

func (r *Reconciler) reconcileNow(ctx context.Context, ref model.RelayRef) {
	if _, err := r.ReconcileRelay(ctx, ref); err != nil {
		log.Warn().
			Err(err).
			Uint8("slave_id", uint8(ref.Slave)).
			Int("relay", ref.Relay).
			Msg("Immediate reconcile failed, next tick will retry")
	}
}

// ClearTimer deletes a schedule. When it was the relay's last one, the next
// tick drives the relay off once and then leaves it alone.
func (r *Reconciler) ClearTimer(id string) (model.ScheduleEntry, error) {
	removed, ok, err := r.store.Delete(id)
	if !ok && err == nil {
		return model.ScheduleEntry{}, relayerr.NotFound("schedule %s not found", id)
	}
	if !ok {
		return model.ScheduleEntry{}, err
	}

	ref := removed.Ref()
	if len(r.store.ForRelay(ref)) == 0 {
		r.mu.Lock()
		r.orphaned[ref] = struct{}{}
		r.mu.Unlock()
	}
	return removed, err
}

func (r *Reconciler) Timers(ref model.RelayRef) []model.ScheduleEntry {
	return r.store.ForRelay(ref)
}

func (r *Reconciler) AllTimers() []model.ScheduleEntry {
	return r.store.All()
}

// ReadRelay reads a relay directly and refreshes the cached state.
func (r *Reconciler) ReadRelay(ctx context.Context, ref model.RelayRef) (bool, error) {
	on, err := r.device.ReadRelayState(ctx, ref)
	if err != nil {
		return false, err
	}
	r.setObserved(ref, on)
	return on, nil
}

// SetRelay writes a relay outside the schedule. A scheduled relay is brought
// back in line on the next tick.
func (r *Reconciler) SetRelay(ctx context.Context, ref model.RelayRef, on bool) error {
	if err := r.device.SetRelayState(ctx, ref, on); err != nil {
		return err
	}
	r.setObserved(ref, on)
	r.recordChange(ref, on, SourceManual, "")
	return nil
}

// SetRelays writes relays 1..len(states) of addr in one transaction.
func (r *Reconciler) SetRelays(ctx context.Context, addr model.SlaveAddress, states []bool) error {
	if err := r.device.SetMultipleRelayStates(ctx, addr, states); err != nil {
		return err
	}
	for i, on := range states {
		ref := model.RelayRef{Slave: addr, Relay: i + 1}
		r.setObserved(ref, on)
		r.recordChange(ref, on, SourceManual, "")
	}
	return nil
}

// Observed returns a copy of the last known state of every relay touched
// since start.
func (r *Reconciler) Observed() map[model.RelayRef]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[model.RelayRef]bool, len(r.observed))
	for k, v := range r.observed {
		out[k] = v
	}
	return out
}

// Shutdown stops the tick and, when configured, switches off every relay
// last seen on. Failures are logged and skipped.
func (r *Reconciler) Shutdown(ctx context.Context) {
	r.Stop()
	if !r.opts.TurnOffOnShutdown {
		return
	}

	for ref, on := range r.Observed() {
		if !on {
			continue
		}
		if err := r.device.SetRelayState(ctx, ref, false); err != nil {
			log.Error().
				Err(err).
				Uint8("slave_id", uint8(ref.Slave)).
				Int("relay", ref.Relay).
				Msg("Failed to turn off relay during shutdown")
			continue
		}
		r.setObserved(ref, false)
		r.recordChange(ref, false, SourceShutdown, "")
		log.Info().
			Uint8("slave_id", uint8(ref.Slave)).
			Int("relay", ref.Relay).
			Msg("Relay turned off for shutdown")
	}
}

func (r *Reconciler) setObserved(ref model.RelayRef, on bool) {
	r.mu.Lock()
	r.observed[ref] = on
	r.mu.Unlock()
}

func (r *Reconciler) recordChange(ref model.RelayRef, on bool, source, scheduleID string) {
	r.metrics.RecordRelayChange(metrics.RelayChange{
		Slave:  uint8(ref.Slave),
		Relay:  ref.Relay,
		On:     on,
		Source: source,
	})
	if r.opts.Publisher != nil {
		r.opts.Publisher.PublishRelayState(ref, on, source)
	}
	if r.opts.History != nil {
		err := r.opts.History.Record(db.RelayEvent{
			SlaveID:    uint8(ref.Slave),
			Relay:      ref.Relay,
			State:      on,
			Source:     source,
			ScheduleID: scheduleID,
			OccurredAt: time.Now(),
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to record relay change")
		}
	}
}

func containsRef(refs []model.RelayRef, ref model.RelayRef) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
