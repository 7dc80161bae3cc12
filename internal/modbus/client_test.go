package modbus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/relay-controller/internal/bus"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/modbus"
	"github.com/thatsimonsguy/relay-controller/internal/modbus/modbustest"
	"github.com/thatsimonsguy/relay-controller/internal/relayerr"
)

func newClient(t *testing.T, ft *modbustest.Transport) *modbus.Client {
	return newClientWithReconnect(t, ft, 10*time.Millisecond)
}

func newClientWithReconnect(t *testing.T, ft *modbustest.Transport, reconnect time.Duration) *modbus.Client {
	t.Helper()
	a := bus.New(bus.Config{Timeout: time.Second})
	c := modbus.NewClient(ft, a, modbus.Config{
		Slaves:         []model.SlaveAddress{1, 2, 3},
		DefaultSlave:   1,
		SettleDelay:    5 * time.Millisecond,
		ReconnectDelay: reconnect,
	})
	t.Cleanup(func() {
		c.Close()
		a.Close()
	})
	return c
}

func connected(t *testing.T, ft *modbustest.Transport) *modbus.Client {
	t.Helper()
	c := newClient(t, ft)
	c.Connect()
	require.Equal(t, modbus.Connected, c.State())
	return c
}

func TestClient_ConnectNotifiesListeners(t *testing.T) {
	ft := modbustest.New()
	c := newClient(t, ft)

	var mu sync.Mutex
	var states []modbus.State
	c.OnStateChange(func(s modbus.State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	c.Connect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []modbus.State{modbus.Connecting, modbus.Connected}, states)
	assert.Equal(t, []uint8{1}, ft.SlaveSets())
}

func TestClient_ConnectRetriesUntilSuccess(t *testing.T) {
	ft := modbustest.New()
	ft.FailConnect(errors.New("no such device"), errors.New("no such device"))
	c := newClient(t, ft)

	c.Connect()
	assert.Equal(t, modbus.Disconnected, c.State())

	require.Eventually(t, func() bool { return c.State() == modbus.Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, ft.Connects())
}

func TestClient_NotConnected(t *testing.T) {
	c := newClient(t, modbustest.New())

	_, err := c.ReadRelayState(context.Background(), model.RelayRef{Slave: 1, Relay: 1})
	assert.Equal(t, relayerr.KindNotConnected, relayerr.KindOf(err))

	err = c.SetRelayState(context.Background(), model.RelayRef{Slave: 1, Relay: 1}, true)
	assert.Equal(t, relayerr.KindNotConnected, relayerr.KindOf(err))
}

func TestClient_ReadAndWriteRelay(t *testing.T) {
	ft := modbustest.New()
	c := connected(t, ft)
	ctx := context.Background()
	ref := model.RelayRef{Slave: 2, Relay: 3}

	on, err := c.ReadRelayState(ctx, ref)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, c.SetRelayState(ctx, ref, true))
	assert.True(t, ft.Coil(2, 3))

	on, err = c.ReadRelayState(ctx, ref)
	require.NoError(t, err)
	assert.True(t, on)

	assert.Equal(t, []modbustest.Write{{Slave: 2, Coil: 2, On: true}}, ft.Writes())
}

func TestClient_RejectsBadReferences(t *testing.T) {
	c := connected(t, modbustest.New())
	ctx := context.Background()

	_, err := c.ReadRelayState(ctx, model.RelayRef{Slave: 1, Relay: 0})
	assert.Equal(t, relayerr.KindValidation, relayerr.KindOf(err))

	_, err = c.ReadRelayState(ctx, model.RelayRef{Slave: 9, Relay: 1})
	assert.Equal(t, relayerr.KindNotFound, relayerr.KindOf(err))

	err = c.SetMultipleRelayStates(ctx, 1, nil)
	assert.Equal(t, relayerr.KindValidation, relayerr.KindOf(err))
}

func TestClient_SelectSlaveOnlyWhenChanged(t *testing.T) {
	ft := modbustest.New()
	c := connected(t, ft)
	ctx := context.Background()

	_, err := c.ReadRelayState(ctx, model.RelayRef{Slave: 1, Relay: 1})
	require.NoError(t, err)
	_, err = c.ReadRelayState(ctx, model.RelayRef{Slave: 1, Relay: 2})
	require.NoError(t, err)
	require.NoError(t, c.SelectSlave(ctx, 1))
	assert.Equal(t, []uint8{1}, ft.SlaveSets(), "default slave is selected on connect")

	start := time.Now()
	_, err = c.ReadRelayState(ctx, model.RelayRef{Slave: 3, Relay: 1})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond, "settle delay after switching slave")
	assert.Equal(t, []uint8{1, 3}, ft.SlaveSets())
}

func TestClient_SetMultipleRelayStates(t *testing.T) {
	ft := modbustest.New()
	c := connected(t, ft)

	states := []bool{true, false, true, true, false, false, false, false, true}
	require.NoError(t, c.SetMultipleRelayStates(context.Background(), 2, states))

	for i, want := range states {
		assert.Equal(t, want, ft.Coil(2, i+1), "relay %d", i+1)
	}
	assert.Len(t, ft.Writes(), len(states))
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantKind      relayerr.Kind
		wantConnected bool
	}{
		{"device exception", &mb.ModbusError{FunctionCode: 0x81, ExceptionCode: 2}, relayerr.KindBus, true},
		{"no reply", serial.ErrTimeout, relayerr.KindBusTimeout, true},
		{"crc error", errors.New("modbus: response crc does not match"), relayerr.KindBus, true},
		{"link failure", fmt.Errorf("%w: write /dev/ttyUSB0: input/output error", modbus.ErrLinkDown), relayerr.KindBus, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := modbustest.New()
			c := newClientWithReconnect(t, ft, time.Minute)
			c.Connect()

			ft.FailNext(tt.err)
			_, err := c.ReadRelayState(context.Background(), model.RelayRef{Slave: 1, Relay: 1})
			assert.Equal(t, tt.wantKind, relayerr.KindOf(err))
			assert.Equal(t, tt.wantConnected, c.State() == modbus.Connected)
		})
	}
}

func TestClient_ReconnectsAfterLinkFailure(t *testing.T) {
	ft := modbustest.New()
	c := newClientWithReconnect(t, ft, 100*time.Millisecond)
	c.Connect()
	ctx := context.Background()
	ref := model.RelayRef{Slave: 1, Relay: 1}

	ft.FailNext(fmt.Errorf("%w: unplugged", modbus.ErrLinkDown))
	_, err := c.ReadRelayState(ctx, ref)
	require.Error(t, err)

	assert.False(t, ft.Open(), "port is closed after a link failure")
	_, err = c.ReadRelayState(ctx, ref)
	assert.Equal(t, relayerr.KindNotConnected, relayerr.KindOf(err))

	require.Eventually(t, func() bool { return c.State() == modbus.Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, ft.Connects())

	require.NoError(t, c.SetRelayState(ctx, ref, true))
	assert.True(t, ft.Coil(1, 1))
}

func TestClient_CloseStopsReconnecting(t *testing.T) {
	ft := modbustest.New()
	boom := errors.New("no such device")
	ft.FailConnect(boom, boom, boom, boom, boom, boom, boom, boom, boom, boom)
	c := newClient(t, ft)

	c.Connect()
	c.Close()
	n := ft.Connects()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, ft.Connects())
	assert.Equal(t, modbus.Disconnected, c.State())
}

func TestClient_CloseBeforeQueuedConnectKeepsPortShut(t *testing.T) {
	ft := modbustest.New()
	c := newClient(t, ft)

	// Close lands after Connect has checked for it but before its op runs
	var once sync.Once
	c.OnStateChange(func(s modbus.State) {
		if s == modbus.Connecting {
			once.Do(c.Close)
		}
	})

	c.Connect()

	assert.Equal(t, 0, ft.Connects())
	assert.False(t, ft.Open())
	assert.Equal(t, modbus.Disconnected, c.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, ft.Connects())
}

func TestClient_Blink(t *testing.T) {
	ft := modbustest.New()
	c := connected(t, ft)

	require.NoError(t, c.Blink(context.Background(), model.RelayRef{Slave: 1, Relay: 4}, 10*time.Millisecond))

	assert.Equal(t, []modbustest.Write{
		{Slave: 1, Coil: 3, On: true},
		{Slave: 1, Coil: 3, On: false},
	}, ft.Writes())
}

func TestClient_BlinkTurnsOffWhenCancelled(t *testing.T) {
	ft := modbustest.New()
	c := connected(t, ft)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	require.NoError(t, c.Blink(ctx, model.RelayRef{Slave: 1, Relay: 1}, time.Minute))
	assert.False(t, ft.Coil(1, 1))
}

func TestClient_SlaveID(t *testing.T) {
	ft := modbustest.New()
	c := connected(t, ft)
	ctx := context.Background()

	id, err := c.ReadSlaveID(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SlaveAddress(1), id)

	require.NoError(t, c.WriteSlaveID(ctx, 7))
	assert.Equal(t, uint16(7), ft.DeviceID())
	assert.Contains(t, ft.SlaveSets(), uint8(0), "slave id is addressed via broadcast")

	assert.Error(t, c.WriteSlaveID(ctx, 0))
}

func TestClient_SlaveLookup(t *testing.T) {
	c := newClient(t, modbustest.New())

	assert.Equal(t, []model.SlaveAddress{1, 2, 3}, c.Slaves())
	_, ok := c.SlaveByID(2)
	assert.True(t, ok)
	_, ok = c.SlaveByID(4)
	assert.False(t, ok)
}
