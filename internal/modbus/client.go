// Package modbus drives relay boards on a shared Modbus RTU line. Every
// transaction, including the slave address switch that precedes it, runs as
// one operation of the bus arbiter.
package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/bus"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/relayerr"
)

const (
	DefaultSettleDelay    = 50 * time.Millisecond
	DefaultReconnectDelay = 5 * time.Second

	// maxCoilsPerWrite is the protocol limit for function 15.
	maxCoilsPerWrite = 1968

	slaveIDRegister = 0
)

var errClientClosed = errors.New("modbus client closed")

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Config struct {
	// Slaves is the fixed set of addressable boards. Empty means any valid
	// address is accepted.
	Slaves         []model.SlaveAddress
	DefaultSlave   model.SlaveAddress
	SettleDelay    time.Duration
	ReconnectDelay time.Duration
}

type Client struct {
	transport Transport
	arbiter   *bus.Arbiter
	cfg       Config

	mu        sync.Mutex
	state     State
	current   model.SlaveAddress
	selected  bool
	closed    bool
	reconnect *time.Timer
	listeners []func(State)
}

func NewClient(t Transport, a *bus.Arbiter, cfg Config) *Client {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &Client{transport: t, arbiter: a, cfg: cfg}
}

// OnStateChange registers fn to be called after every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Slaves() []model.SlaveAddress {
	return slices.Clone(c.cfg.Slaves)
}

func (c *Client) SlaveByID(id model.SlaveAddress) (model.SlaveAddress, bool) {
	if len(c.cfg.Slaves) == 0 {
		return id, id.Valid()
	}
	if slices.Contains(c.cfg.Slaves, id) {
		return id, true
	}
	return 0, false
}

// setState must be called without c.mu held.
func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// Connect opens the serial line. It never fails: on error it logs and tries
// again after ReconnectDelay, until Close.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.mu.Unlock()

	c.setState(Connecting)

	err := c.arbiter.Enqueue(context.Background(), "connect", func(context.Context) error {
		// Close may have run between the check above and this op
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return errClientClosed
		}
		if err := c.transport.Connect(); err != nil {
			return err
		}
		c.mu.Lock()
		if c.cfg.DefaultSlave.Valid() {
			c.transport.SetSlave(uint8(c.cfg.DefaultSlave))
			c.current, c.selected = c.cfg.DefaultSlave, true
		} else {
			c.selected = false
		}
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		c.setState(Disconnected)
		if errors.Is(err, bus.ErrArbiterClosed) || errors.Is(err, errClientClosed) {
			return
		}
		log.Error().
			Err(err).
			Dur("retry_in", c.cfg.ReconnectDelay).
			Msg("Failed to connect to Modbus bus")
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.setState(Disconnected)
		return
	}
	c.setState(Connected)
	log.Info().Msg("Connected to Modbus bus")
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnect != nil {
		return
	}
	c.reconnect = time.AfterFunc(c.cfg.ReconnectDelay, c.Connect)
}

// dropLink is called from inside an arbiter operation after the transport
// reported a link failure.
func (c *Client) dropLink(cause error) {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.selected = false
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing serial port after link failure")
	}
	log.Error().
		Err(cause).
		Dur("retry_in", c.cfg.ReconnectDelay).
		Msg("Modbus connection lost")

	c.setState(Disconnected)
	c.scheduleReconnect()
}

// Close stops reconnecting and closes the line. Queued work still in the
// arbiter fails with a not-connected error.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.mu.Unlock()

	closeFn := func(context.Context) error { return c.transport.Close() }
	err := c.arbiter.Enqueue(context.Background(), "close", closeFn)
	if errors.Is(err, bus.ErrArbiterClosed) {
		err = closeFn(context.Background())
	}
	if err != nil {
		log.Error().Err(err).Msg("Error closing Modbus connection")
	} else {
		log.Info().Msg("Modbus connection closed")
	}
	c.setState(Disconnected)
}

func (c *Client) checkSlave(addr model.SlaveAddress) error {
	if _, ok := c.SlaveByID(addr); !ok {
		return relayerr.NotFound("slave %d is not configured", addr)
	}
	return nil
}

func (c *Client) checkRef(ref model.RelayRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	return c.checkSlave(ref.Slave)
}

// transact runs fn against slave addr as a single arbiter operation,
// switching the addressed slave first when needed.
func transact[T any](ctx context.Context, c *Client, name string, addr model.SlaveAddress, fn func(Transport) (T, error)) (T, error) {
	var zero T
	if c.State() != Connected {
		return zero, relayerr.NotConnected(name)
	}
	v, err := bus.Submit(ctx, c.arbiter, name, func(ctx context.Context) (T, error) {
		if c.State() != Connected {
			return zero, relayerr.NotConnected(name)
		}
		if err := c.selectOnBus(ctx, addr); err != nil {
			return zero, err
		}
		if fn == nil {
			return zero, nil
		}
		v, err := fn(c.transport)
		return v, c.classify(name, err)
	})
	if errors.Is(err, bus.ErrArbiterClosed) {
		return zero, relayerr.NotConnected(name)
	}
	return v, err
}

// selectOnBus runs inside an arbiter operation.
func (c *Client) selectOnBus(ctx context.Context, addr model.SlaveAddress) error {
	c.mu.Lock()
	same := c.selected && c.current == addr
	c.mu.Unlock()
	if same {
		return nil
	}

	c.transport.SetSlave(uint8(addr))
	c.mu.Lock()
	c.current, c.selected = addr, true
	c.mu.Unlock()
	log.Debug().Uint8("slave_id", uint8(addr)).Msg("Selected Modbus slave")

	t := time.NewTimer(c.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var exc *mb.ModbusError
	switch {
	case errors.As(err, &exc):
		return relayerr.Bus(op, err)
	case errors.Is(err, serial.ErrTimeout):
		return relayerr.BusTimeout(op, err)
	case errors.Is(err, ErrLinkDown):
		c.dropLink(err)
		return relayerr.Bus(op, err)
	}
	return relayerr.Bus(op, err)
}

// SelectSlave makes addr the addressed slave. It is a no-op when addr is
// already selected.
func (c *Client) SelectSlave(ctx context.Context, addr model.SlaveAddress) error {
	if err := c.checkSlave(addr); err != nil {
		return err
	}
	_, err := transact[struct{}](ctx, c, "select_slave", addr, nil)
	return err
}

func (c *Client) ReadRelayState(ctx context.Context, ref model.RelayRef) (bool, error) {
	if err := c.checkRef(ref); err != nil {
		return false, err
	}
	return transact(ctx, c, "read_coil", ref.Slave, func(t Transport) (bool, error) {
		b, err := t.ReadCoils(ref.Coil(), 1)
		if err != nil {
			return false, err
		}
		if len(b) == 0 {
			return false, errors.New("empty coil response")
		}
		return b[0]&0x01 == 1, nil
	})
}

func (c *Client) SetRelayState(ctx context.Context, ref model.RelayRef, on bool) error {
	if err := c.checkRef(ref); err != nil {
		return err
	}
	_, err := transact(ctx, c, "write_coil", ref.Slave, func(t Transport) (struct{}, error) {
		return struct{}{}, t.WriteSingleCoil(ref.Coil(), on)
	})
	if err == nil {
		log.Debug().
			Uint8("slave_id", uint8(ref.Slave)).
			Int("relay", ref.Relay).
			Bool("state", on).
			Msg("Relay written")
	}
	return err
}

// SetMultipleRelayStates writes states to relays 1..len(states) of addr in a
// single transaction.
func (c *Client) SetMultipleRelayStates(ctx context.Context, addr model.SlaveAddress, states []bool) error {
	if err := c.checkSlave(addr); err != nil {
		return err
	}
	if len(states) == 0 || len(states) > maxCoilsPerWrite {
		return relayerr.Validation("states must hold 1-%d values, got %d", maxCoilsPerWrite, len(states))
	}
	packed := packCoils(states)
	_, err := transact(ctx, c, "write_coils", addr, func(t Transport) (struct{}, error) {
		return struct{}{}, t.WriteMultipleCoils(0, uint16(len(states)), packed)
	})
	return err
}

// Blink switches a relay on for d and then off again. The off write is
// attempted even if ctx ends during the pause.
func (c *Client) Blink(ctx context.Context, ref model.RelayRef, d time.Duration) error {
	if err := c.SetRelayState(ctx, ref, true); err != nil {
		return err
	}
	t := time.NewTimer(d)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}
	return c.SetRelayState(context.WithoutCancel(ctx), ref, false)
}

// ReadSlaveID asks the board on the line for its address. Only meaningful
// with a single board connected.
func (c *Client) ReadSlaveID(ctx context.Context) (model.SlaveAddress, error) {
	return transact(ctx, c, "read_slave_id", model.BroadcastAddress, func(t Transport) (model.SlaveAddress, error) {
		b, err := t.ReadHoldingRegisters(slaveIDRegister, 1)
		if err != nil {
			return 0, err
		}
		if len(b) < 2 {
			return 0, errors.New("short register response")
		}
		return model.SlaveAddress(binary.BigEndian.Uint16(b)), nil
	})
}

// WriteSlaveID reprograms the address of the single board on the line.
func (c *Client) WriteSlaveID(ctx context.Context, id model.SlaveAddress) error {
	if !id.Valid() {
		return relayerr.Validation("slave id must be %d-%d, got %d", model.MinSlaveAddress, model.MaxSlaveAddress, id)
	}
	value := binary.BigEndian.AppendUint16(nil, uint16(id))
	_, err := transact(ctx, c, "write_slave_id", model.BroadcastAddress, func(t Transport) (struct{}, error) {
		return struct{}{}, t.WriteMultipleRegisters(slaveIDRegister, 1, value)
	})
	return err
}

// packCoils packs states LSB first, as function 15 expects.
func packCoils(states []bool) []byte {
	out := make([]byte, (len(states)+7)/8)
	for i, on := range states {
		if on {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}
