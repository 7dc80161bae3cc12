// Package modbustest provides an in-memory relay board bank for tests.
package modbustest

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/thatsimonsguy/relay-controller/internal/modbus"
)

// Write is one coil write seen by the fake.
type Write struct {
	Slave uint8
	Coil  uint16
	On    bool
}

// Transport emulates boards with coils and a slave id register. The zero
// value is not usable; call New.
type Transport struct {
	mu sync.Mutex

	coils     map[uint8][]bool
	deviceID  uint16
	slave     uint8
	open      bool
	connErrs  []error
	failNext  []error
	connects  int
	slaveSets []uint8
	writes    []Write
}

func New() *Transport {
	return &Transport{coils: map[uint8][]bool{}, deviceID: 1}
}

// FailConnect makes the next len(errs) Connect calls fail in order.
func (t *Transport) FailConnect(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connErrs = append(t.connErrs, errs...)
}

// FailNext makes the next len(errs) transactions fail in order.
func (t *Transport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = append(t.failNext, errs...)
}

func (t *Transport) Coil(slave uint8, relay int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.coils[slave]
	return relay-1 < len(c) && c[relay-1]
}

func (t *Transport) SetCoil(slave uint8, relay int, on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setCoil(slave, uint16(relay-1), on)
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *Transport) SlaveSets() []uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint8(nil), t.slaveSets...)
}

func (t *Transport) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Write(nil), t.writes...)
}

func (t *Transport) DeviceID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceID
}

func (t *Transport) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Transport) setCoil(slave uint8, coil uint16, on bool) {
	c := t.coils[slave]
	for int(coil) >= len(c) {
		c = append(c, false)
	}
	c[coil] = on
	t.coils[slave] = c
}

// begin must be called with t.mu held.
func (t *Transport) begin() error {
	if !t.open {
		return fmt.Errorf("%w: port closed", modbus.ErrLinkDown)
	}
	if len(t.failNext) > 0 {
		err := t.failNext[0]
		t.failNext = t.failNext[1:]
		return err
	}
	return nil
}

func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if len(t.connErrs) > 0 {
		err := t.connErrs[0]
		t.connErrs = t.connErrs[1:]
		return err
	}
	t.open = true
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	return nil
}

func (t *Transport) SetSlave(id uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slave = id
	t.slaveSets = append(t.slaveSets, id)
}

func (t *Transport) ReadCoils(address, quantity uint16) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return nil, err
	}
	out := make([]byte, (int(quantity)+7)/8)
	c := t.coils[t.slave]
	for i := 0; i < int(quantity); i++ {
		idx := int(address) + i
		if idx < len(c) && c[idx] {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out, nil
}

func (t *Transport) WriteSingleCoil(address uint16, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return err
	}
	t.setCoil(t.slave, address, on)
	t.writes = append(t.writes, Write{Slave: t.slave, Coil: address, On: on})
	return nil
}

func (t *Transport) WriteMultipleCoils(address, quantity uint16, values []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return err
	}
	for i := 0; i < int(quantity); i++ {
		on := values[i/8]&(1<<(i%8)) != 0
		t.setCoil(t.slave, address+uint16(i), on)
		t.writes = append(t.writes, Write{Slave: t.slave, Coil: address + uint16(i), On: on})
	}
	return nil
}

func (t *Transport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return nil, err
	}
	if address != 0 || quantity != 1 {
		return nil, fmt.Errorf("unsupported register read %d/%d", address, quantity)
	}
	return binary.BigEndian.AppendUint16(nil, t.deviceID), nil
}

func (t *Transport) WriteMultipleRegisters(address, quantity uint16, values []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return err
	}
	if address != 0 || quantity != 1 || len(values) != 2 {
		return fmt.Errorf("unsupported register write %d/%d", address, quantity)
	}
	t.deviceID = binary.BigEndian.Uint16(values)
	return nil
}

var _ modbus.Transport = (*Transport)(nil)
