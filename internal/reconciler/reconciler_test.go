package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/bus"
	"github.com/thatsimonsguy/relay-controller/internal/metrics"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/modbus"
	"github.com/thatsimonsguy/relay-controller/internal/modbus/modbustest"
	"github.com/thatsimonsguy/relay-controller/internal/relayerr"
	"github.com/thatsimonsguy/relay-controller/internal/schedule"
	"github.com/thatsimonsguy/relay-controller/internal/store"
	"github.com/thatsimonsguy/relay-controller/internal/tz"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeDevice struct {
	mu        sync.Mutex
	relays    map[model.RelayRef]bool
	writes    []model.RelayRef
	readErrs  map[model.RelayRef]error
	writeErrs map[model.RelayRef]error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		relays:    map[model.RelayRef]bool{},
		readErrs:  map[model.RelayRef]error{},
		writeErrs: map[model.RelayRef]error{},
	}
}

func (d *fakeDevice) ReadRelayState(_ context.Context, ref model.RelayRef) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readErrs[ref]; err != nil {
		return false, err
	}
	return d.relays[ref], nil
}

func (d *fakeDevice) SetRelayState(_ context.Context, ref model.RelayRef, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeErrs[ref]; err != nil {
		return err
	}
	d.relays[ref] = on
	d.writes = append(d.writes, ref)
	return nil
}

func (d *fakeDevice) SetMultipleRelayStates(_ context.Context, addr model.SlaveAddress, states []bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, on := range states {
		ref := model.RelayRef{Slave: addr, Relay: i + 1}
		d.relays[ref] = on
		d.writes = append(d.writes, ref)
	}
	return nil
}

func (d *fakeDevice) state(ref model.RelayRef) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.relays[ref]
}

func (d *fakeDevice) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

type recordingHistory struct {
	mu     sync.Mutex
	events []db.RelayEvent
}

func (h *recordingHistory) Record(ev db.RelayEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHistory) all() []db.RelayEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]db.RelayEvent(nil), h.events...)
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingPublisher) PublishRelayState(ref model.RelayRef, on bool, source string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := "off"
	if on {
		state = "on"
	}
	p.calls = append(p.calls, ref.Key()+":"+state+":"+source)
}

type countingSink struct {
	metrics.NopSink
	mu      sync.Mutex
	ticks   []metrics.TickResult
	changes int
}

func (s *countingSink) RecordTick(r metrics.TickResult) {
	s.mu.Lock()
	s.ticks = append(s.ticks, r)
	s.mu.Unlock()
}

func (s *countingSink) RecordRelayChange(metrics.RelayChange) {
	s.mu.Lock()
	s.changes++
	s.mu.Unlock()
}

type fixture struct {
	clock   *clock
	zone    *tz.Zone
	store   *store.Store
	device  *fakeDevice
	history *recordingHistory
	pub     *recordingPublisher
	sink    *countingSink
	rec     *Reconciler
}

// 2024-01-01 is a Monday. 03:00 UTC is 10:00 in Bangkok.
var monday10 = time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, policy model.SchedulePolicy, opts Options) *fixture {
	t.Helper()
	c := &clock{now: monday10}
	z, err := tz.Load("Asia/Bangkok")
	require.NoError(t, err)
	z = z.WithClock(c.Now)

	s := store.New(filepath.Join(t.TempDir(), "schedules.json"), policy, z)
	require.NoError(t, s.Init())

	f := &fixture{
		clock:   c,
		zone:    z,
		store:   s,
		device:  newFakeDevice(),
		history: &recordingHistory{},
		pub:     &recordingPublisher{},
		sink:    &countingSink{},
	}
	opts.History = f.history
	opts.Publisher = f.pub
	opts.Metrics = f.sink
	f.rec = New(f.device, s, schedule.NewEvaluator(z), opts)
	return f
}

var (
	relay1 = model.RelayRef{Slave: 1, Relay: 1}
	relay2 = model.RelayRef{Slave: 1, Relay: 2}
)

func TestSetTimer_AppliesImmediately(t *testing.T) {
	f := newFixture(t, model.PolicySingle, Options{})

	e, err := f.rec.SetTimer(context.Background(), relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)

	assert.True(t, f.device.state(relay1))
	assert.True(t, e.Active, "returned entry reflects the pass")
	assert.NotEmpty(t, e.ID)

	events := f.history.all()
	require.Len(t, events, 1)
	assert.Equal(t, SourceSchedule, events[0].Source)
	assert.Equal(t, e.ID, events[0].ScheduleID)
	assert.True(t, events[0].State)
	assert.Equal(t, []string{"1_1:on:schedule"}, f.pub.calls)
}

func TestSetTimer_Validation(t *testing.T) {
	f := newFixture(t, model.PolicySingle, Options{})

	_, err := f.rec.SetTimer(context.Background(), relay1, model.Window{Start: "25:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	assert.True(t, errors.Is(err, relayerr.KindValidation))
	assert.Empty(t, f.rec.AllTimers())
	assert.Zero(t, f.device.writeCount())
}

func TestSetTimer_BusFailureKeepsSchedule(t *testing.T) {
	f := newFixture(t, model.PolicySingle, Options{})
	f.device.readErrs[relay1] = relayerr.BusTimeout("read", errors.New("no reply"))

	e, err := f.rec.SetTimer(context.Background(), relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Len(t, f.rec.Timers(relay1), 1)

	// next tick picks it up once the bus recovers
	delete(f.device.readErrs, relay1)
	res := f.rec.Tick(context.Background())
	assert.Equal(t, 1, res.Changes)
	assert.True(t, f.device.state(relay1))
}

func TestTick_Idempotent(t *testing.T) {
	f := newFixture(t, model.PolicyMulti, Options{})
	ctx := context.Background()

	_, err := f.rec.SetTimer(ctx, relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)
	_, err = f.rec.SetTimer(ctx, relay2, model.Window{Start: "12:00", End: "13:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)
	writes := f.device.writeCount()

	for i := 0; i < 3; i++ {
		res := f.rec.Tick(ctx)
		assert.Equal(t, 2, res.Relays)
		assert.Zero(t, res.Changes)
		assert.Zero(t, res.Errors)
	}
	assert.Equal(t, writes, f.device.writeCount(), "no writes when in sync")
	assert.Len(t, f.sink.ticks, 3)
}

func TestTick_FollowsClock(t *testing.T) {
	f := newFixture(t, model.PolicySingle, Options{})
	ctx := context.Background()

	e, err := f.rec.SetTimer(ctx, relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)
	require.True(t, f.device.state(relay1))

	f.clock.Set(monday10.Add(90 * time.Minute)) // 11:30 local
	res := f.rec.Tick(ctx)
	assert.Equal(t, 1, res.Changes)
	assert.False(t, f.device.state(relay1))

	got, ok := f.store.Get(e.ID)
	require.True(t, ok)
	assert.False(t, got.Active, "active flag follows the evaluation")
}

func TestTick_CorrectsManualOverride(t *testing.T) {
	f := newFixture(t, model.PolicySingle, Options{})
	ctx := context.Background()

	_, err := f.rec.SetTimer(ctx, relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)

	require.NoError(t, f.rec.SetRelay(ctx, relay1, false))
	assert.False(t, f.device.state(relay1))

	res := f.rec.Tick(ctx)
	assert.Equal(t, 1, res.Changes)
	assert.True(t, f.device.state(relay1))
}

func TestTick_ErrorsDoNotAbortPass(t *testing.T) {
	f := newFixture(t, model.PolicyMulti, Options{})
	ctx := context.Background()

	f.device.readErrs[relay1] = relayerr.Bus("read", errors.New("crc"))
	_, err := f.rec.SetTimer(ctx, relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)
	_, err = f.rec.SetTimer(ctx, relay2, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)

	f.device.relays[relay2] = false
	res := f.rec.Tick(ctx)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Changes)
	assert.True(t, f.device.state(relay2))
}

func TestTick_CancelledContextStops(t *testing.T) {
	f := newFixture(t, model.PolicyMulti, Options{})
	_, err := f.rec.SetTimer(context.Background(), relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.rec.Tick(ctx)
	assert.Zero(t, res.Changes)
	assert.Zero(t, res.Errors)
}

func TestClearTimer_TurnsOrphanOffOnce(t *testing.T) {
	f := newFixture(t, model.PolicySingle, Options{})
	ctx := context.Background()

	e, err := f.rec.SetTimer(ctx, relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)
	require.True(t, f.device.state(relay1))

	removed, err := f.rec.ClearTimer(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, removed.ID)
	assert.True(t, f.device.state(relay1), "deletion alone does not touch the bus")

	res := f.rec.Tick(ctx)
	assert.Equal(t, 1, res.Changes)
	assert.False(t, f.device.state(relay1))

	// once off, the relay is no longer managed
	f.device.relays[relay1] = true
	res = f.rec.Tick(ctx)
	assert.Zero(t, res.Relays)
	assert.True(t, f.device.state(relay1))
}

func TestClearTimer_NotFound(t *testing.T) {
	f := newFixture(t, model.PolicySingle, Options{})
	_, err := f.rec.ClearTimer("missing")
	assert.True(t, errors.Is(err, relayerr.KindNotFound))
}

func TestClearTimer_OtherEntriesKeepRelay(t *testing.T) {
	f := newFixture(t, model.PolicyMulti, Options{})
	ctx := context.Background()

	a, err := f.rec.SetTimer(ctx, relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)
	_, err = f.rec.SetTimer(ctx, relay1, model.Window{Start: "09:30", End: "10:30", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)

	_, err = f.rec.ClearTimer(a.ID)
	require.NoError(t, err)

	res := f.rec.Tick(ctx)
	assert.Zero(t, res.Changes)
	assert.True(t, f.device.state(relay1))
}

func TestUpdateTimer_DisableTurnsOff(t *testing.T) {
	f := newFixture(t, model.PolicySingle, Options{})
	ctx := context.Background()

	e, err := f.rec.SetTimer(ctx, relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)

	off := false
	got, err := f.rec.UpdateTimer(ctx, e.ID, model.Patch{Enabled: &off})
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.False(t, got.Active)
	assert.False(t, f.device.state(relay1))

	_, err = f.rec.UpdateTimer(ctx, "missing", model.Patch{Enabled: &off})
	assert.True(t, errors.Is(err, relayerr.KindNotFound))
}

func TestSetRelays_UpdatesObserved(t *testing.T) {
	f := newFixture(t, model.PolicySingle, Options{})

	require.NoError(t, f.rec.SetRelays(context.Background(), 2, []bool{true, false, true}))

	obs := f.rec.Observed()
	assert.True(t, obs[model.RelayRef{Slave: 2, Relay: 1}])
	assert.False(t, obs[model.RelayRef{Slave: 2, Relay: 2}])
	assert.True(t, obs[model.RelayRef{Slave: 2, Relay: 3}])
	assert.Len(t, f.history.all(), 3)
	assert.Equal(t, 3, f.sink.changes)
}

func TestShutdown_TurnsOffObserved(t *testing.T) {
	f := newFixture(t, model.PolicyMulti, Options{TurnOffOnShutdown: true})
	ctx := context.Background()

	_, err := f.rec.SetTimer(ctx, relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)
	f.device.writeErrs[relay2] = relayerr.Bus("write", errors.New("crc"))
	f.rec.setObserved(relay2, true)

	f.rec.Shutdown(ctx)

	assert.False(t, f.device.state(relay1))
	obs := f.rec.Observed()
	assert.False(t, obs[relay1])
	assert.True(t, obs[relay2], "failed turn-off leaves the cached state")

	last := f.history.all()
	assert.Equal(t, SourceShutdown, last[len(last)-1].Source)
}

func TestShutdown_LeavesRelaysByDefault(t *testing.T) {
	f := newFixture(t, model.PolicySingle, Options{})
	_, err := f.rec.SetTimer(context.Background(), relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)

	f.rec.Shutdown(context.Background())
	assert.True(t, f.device.state(relay1))
}

func TestRunAndStop(t *testing.T) {
	f := newFixture(t, model.PolicySingle, Options{TickInterval: 10 * time.Millisecond})
	_, err := f.store.AddOrUpdate(relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.rec.Run(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool { return f.device.state(relay1) }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		f.sink.mu.Lock()
		defer f.sink.mu.Unlock()
		return len(f.sink.ticks) >= 3
	}, time.Second, 5*time.Millisecond)

	f.rec.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

// End to end over the real client, arbiter and fake serial transport.
func TestEndToEnd_OverModbusClient(t *testing.T) {
	c := &clock{now: monday10}
	z, err := tz.Load("Asia/Bangkok")
	require.NoError(t, err)
	z = z.WithClock(c.Now)

	ft := modbustest.New()
	a := bus.New(bus.Config{MinSpacing: time.Millisecond, Timeout: time.Second})
	client := modbus.NewClient(ft, a, modbus.Config{
		Slaves:         []model.SlaveAddress{1},
		DefaultSlave:   1,
		SettleDelay:    time.Millisecond,
		ReconnectDelay: time.Hour,
	})
	t.Cleanup(func() {
		client.Close()
		a.Close()
	})
	client.Connect()
	require.Equal(t, modbus.Connected, client.State())

	s := store.New(filepath.Join(t.TempDir(), "schedules.json"), model.PolicySingle, z)
	require.NoError(t, s.Init())
	rec := New(client, s, schedule.NewEvaluator(z), Options{})
	ctx := context.Background()

	e, err := rec.SetTimer(ctx, relay1, model.Window{Start: "09:00", End: "11:00", Recurrence: model.RecurrenceDaily})
	require.NoError(t, err)
	assert.True(t, ft.Coil(1, 1))

	writes := len(ft.Writes())
	rec.Tick(ctx)
	assert.Equal(t, writes, len(ft.Writes()), "second pass is a no-op on the wire")

	_, err = rec.ClearTimer(e.ID)
	require.NoError(t, err)
	rec.Tick(ctx)
	assert.False(t, ft.Coil(1, 1))
	assert.Equal(t, writes+1, len(ft.Writes()))

	rec.Tick(ctx)
	assert.Equal(t, writes+1, len(ft.Writes()), "orphan is switched off exactly once")
}
