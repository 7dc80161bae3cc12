package modbus

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"syscall"
	"time"

	mb "github.com/goburrow/modbus"
)

// ErrLinkDown marks a failure of the serial link itself, as opposed to a
// device exception or a missing reply. Transports wrap such failures with it
// so the client knows to reconnect.
var ErrLinkDown = errors.New("serial link down")

// Transport is the raw request/response surface of one serial line. It is
// not safe for concurrent use; the client only calls it from inside the bus
// arbiter.
type Transport interface {
	Connect() error
	Close() error
	SetSlave(id uint8)
	ReadCoils(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address uint16, on bool) error
	WriteMultipleCoils(address, quantity uint16, values []byte) error
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, values []byte) error
}

type SerialConfig struct {
	Port     string
	BaudRate int
	DataBits int
	StopBits int
	// Parity is "N", "E" or "O".
	Parity  string
	Timeout time.Duration
}

// RTUTransport speaks Modbus RTU over a serial port.
type RTUTransport struct {
	handler *mb.RTUClientHandler
	client  mb.Client
}

func NewRTUTransport(cfg SerialConfig) *RTUTransport {
	h := mb.NewRTUClientHandler(cfg.Port)
	h.BaudRate = cfg.BaudRate
	h.DataBits = cfg.DataBits
	h.StopBits = cfg.StopBits
	h.Parity = cfg.Parity
	h.Timeout = cfg.Timeout
	return &RTUTransport{handler: h, client: mb.NewClient(h)}
}

func (t *RTUTransport) Connect() error {
	if err := t.handler.Connect(); err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrLinkDown, t.handler.Address, err)
	}
	return nil
}

func (t *RTUTransport) Close() error {
	return t.handler.Close()
}

func (t *RTUTransport) SetSlave(id uint8) {
	t.handler.SlaveId = id
}

func (t *RTUTransport) ReadCoils(address, quantity uint16) ([]byte, error) {
	b, err := t.client.ReadCoils(address, quantity)
	return b, linkError(err)
}

func (t *RTUTransport) WriteSingleCoil(address uint16, on bool) error {
	var v uint16
	if on {
		v = 0xFF00
	}
	_, err := t.client.WriteSingleCoil(address, v)
	return linkError(err)
}

func (t *RTUTransport) WriteMultipleCoils(address, quantity uint16, values []byte) error {
	_, err := t.client.WriteMultipleCoils(address, quantity, values)
	return linkError(err)
}

func (t *RTUTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	b, err := t.client.ReadHoldingRegisters(address, quantity)
	return b, linkError(err)
}

func (t *RTUTransport) WriteMultipleRegisters(address, quantity uint16, values []byte) error {
	_, err := t.client.WriteMultipleRegisters(address, quantity, values)
	return linkError(err)
}

// linkError tags I/O failures of the port with ErrLinkDown. Device
// exceptions, timeouts and framing errors pass through unchanged.
func linkError(err error) error {
	if err == nil {
		return nil
	}
	var pathErr *fs.PathError
	var errno syscall.Errno
	switch {
	case errors.As(err, &pathErr),
		errors.As(err, &errno),
		errors.Is(err, io.EOF),
		errors.Is(err, fs.ErrClosed):
		return fmt.Errorf("%w: %v", ErrLinkDown, err)
	}
	return err
}
