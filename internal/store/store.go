package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/relayerr"
	"github.com/thatsimonsguy/relay-controller/internal/tz"
)

// Store holds the schedule collection in memory and mirrors it to a JSON
// document after every mutation.
type Store struct {
	path   string
	policy model.SchedulePolicy
	zone   *tz.Zone

	mu      sync.RWMutex
	entries []model.ScheduleEntry
}

func New(path string, policy model.SchedulePolicy, zone *tz.Zone) *Store {
	if !policy.Valid() {
		policy = model.PolicySingle
	}
	return &Store{path: path, policy: policy, zone: zone}
}

func (s *Store) Policy() model.SchedulePolicy { return s.policy }

// Init loads the document. A missing file starts an empty collection; an
// unreadable one is logged and also starts empty.
func (s *Store) Init() error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return relayerr.Store("create data dir", err)
		}
	}

	entries, err := s.load()
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info().Str("path", s.path).Msg("No schedule file found, starting empty")
		entries = nil
	case err != nil:
		log.Error().Err(err).Str("path", s.path).Msg("Failed to load schedules, starting empty")
		entries = nil
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	log.Info().
		Str("path", s.path).
		Str("policy", string(s.policy)).
		Int("schedules", len(entries)).
		Msg("Loaded schedules")
	return nil
}

func (s *Store) load() ([]model.ScheduleEntry, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []model.ScheduleEntry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// save must be called with s.mu held.
func (s *Store) save() error {
	tmpPath := s.path + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return relayerr.Store("save", err)
	}
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	entries := s.entries
	if entries == nil {
		entries = []model.ScheduleEntry{}
	}
	if err := encoder.Encode(entries); err != nil {
		file.Close()
		return relayerr.Store("save", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return relayerr.Store("save", err)
	}
	if err := file.Close(); err != nil {
		return relayerr.Store("save", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return relayerr.Store("save", err)
	}
	return nil
}

// persist saves and logs a failure. The in-memory change is kept either way.
func (s *Store) persist() error {
	err := s.save()
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Failed to persist schedules")
	}
	return err
}

func (s *Store) now() string {
	return s.zone.FormatInstant(s.zone.Now())
}

// AddOrUpdate validates the window and stores it for ref. Under the single
// policy an existing entry for ref is updated in place, keeping its id and
// creation time. The returned entry reflects the change even when the error
// is a store error.
func (s *Store) AddOrUpdate(ref model.RelayRef, w model.Window) (model.ScheduleEntry, error) {
	if err := ref.Validate(); err != nil {
		return model.ScheduleEntry{}, err
	}
	norm, err := w.Normalize(s.zone)
	if err != nil {
		return model.ScheduleEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.policy == model.PolicySingle {
		if i := s.indexForRelay(ref); i >= 0 {
			e := &s.entries[i]
			e.StartTime, e.EndTime = norm.Start, norm.End
			e.Recurrence, e.DaysOfWeek = norm.Recurrence, norm.DaysOfWeek
			e.Enabled = true
			e.UpdatedAt = now
			log.Info().Str("id", e.ID).Str("relay", ref.Key()).Msg("Schedule updated")
			return clone(*e), s.persist()
		}
	}

	e := model.ScheduleEntry{
		ID:          uuid.NewString(),
		SlaveID:     ref.Slave,
		RelayNumber: ref.Relay,
		StartTime:   norm.Start,
		EndTime:     norm.End,
		Recurrence:  norm.Recurrence,
		DaysOfWeek:  norm.DaysOfWeek,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.entries = append(s.entries, e)
	log.Info().Str("id", e.ID).Str("relay", ref.Key()).Msg("Schedule created")
	return clone(e), s.persist()
}

func (s *Store) indexForRelay(ref model.RelayRef) int {
	return slices.IndexFunc(s.entries, func(e model.ScheduleEntry) bool { return e.Ref() == ref })
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.entries, func(e model.ScheduleEntry) bool { return e.ID == id })
}

func (s *Store) Get(id string) (model.ScheduleEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return clone(s.entries[i]), true
	}
	return model.ScheduleEntry{}, false
}

func (s *Store) ForRelay(ref model.RelayRef) []model.ScheduleEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ScheduleEntry
	for _, e := range s.entries {
		if e.Ref() == ref {
			out = append(out, clone(e))
		}
	}
	return out
}

func (s *Store) All() []model.ScheduleEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ScheduleEntry, len(s.entries))
	for i, e := range s.entries {
		out[i] = clone(e)
	}
	return out
}

// Relays lists every relay with at least one entry, in first-seen order.
func (s *Store) Relays() []model.RelayRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RelayRef
	for _, e := range s.entries {
		if ref := e.Ref(); !slices.Contains(out, ref) {
			out = append(out, ref)
		}
	}
	return out
}

// Update applies a partial change to an entry and validates the result.
func (s *Store) Update(id string, p model.Patch) (model.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return model.ScheduleEntry{}, relayerr.NotFound("schedule %s not found", id)
	}
	next := p.Apply(s.entries[i])
	norm, err := next.Window().Normalize(s.zone)
	if err != nil {
		return model.ScheduleEntry{}, err
	}
	next.StartTime, next.EndTime = norm.Start, norm.End
	next.Recurrence, next.DaysOfWeek = norm.Recurrence, norm.DaysOfWeek
	next.UpdatedAt = s.now()
	s.entries[i] = next

	log.Info().Str("id", id).Msg("Schedule patched")
	return clone(next), s.persist()
}

// Delete removes an entry. ok is false when id is unknown.
func (s *Store) Delete(id string) (removed model.ScheduleEntry, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return model.ScheduleEntry{}, false, nil
	}
	removed = s.entries[i]
	s.entries = slices.Delete(s.entries, i, i+1)

	log.Info().Str("id", id).Str("relay", removed.Ref().Key()).Msg("Schedule deleted")
	return removed, true, s.persist()
}

// SetActive records the last applied state for an entry. It only writes the
// document when the flag actually changes.
func (s *Store) SetActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return relayerr.NotFound("schedule %s not found", id)
	}
	if s.entries[i].Active == active {
		return nil
	}
	s.entries[i].Active = active
	return s.persist()
}

func clone(e model.ScheduleEntry) model.ScheduleEntry {
	e.DaysOfWeek = slices.Clone(e.DaysOfWeek)
	return e
}
