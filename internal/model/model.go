package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/thatsimonsguy/relay-controller/internal/relayerr"
)

// SlaveAddress is a Modbus unit id on the shared bus.
type SlaveAddress uint8

const (
	MinSlaveAddress SlaveAddress = 1
	MaxSlaveAddress SlaveAddress = 247
	// BroadcastAddress reaches every device. Only used when reprogramming a
	// lone device's address.
	BroadcastAddress SlaveAddress = 0
)

func (a SlaveAddress) Valid() bool {
	return a >= MinSlaveAddress && a <= MaxSlaveAddress
}

// ParseSlaveAddress parses a decimal unit id in the valid range.
func ParseSlaveAddress(s string) (SlaveAddress, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < int(MinSlaveAddress) || n > int(MaxSlaveAddress) {
		return 0, relayerr.Validation("slave id must be %d-%d, got %q", MinSlaveAddress, MaxSlaveAddress, s)
	}
	return SlaveAddress(n), nil
}

// RelayRef identifies one relay. Relay numbers are 1-based; the coil index
// on the device is Relay-1.
type RelayRef struct {
	Slave SlaveAddress
	Relay int
}

func (r RelayRef) Key() string {
	return fmt.Sprintf("%d_%d", r.Slave, r.Relay)
}

func (r RelayRef) String() string {
	return fmt.Sprintf("slave %d relay %d", r.Slave, r.Relay)
}

// MaxRelayNumber is the highest relay a coil address can reach.
const MaxRelayNumber = 0xFFFF + 1

func (r RelayRef) Coil() uint16 {
	return uint16(r.Relay - 1)
}

func (r RelayRef) Validate() error {
	if !r.Slave.Valid() {
		return relayerr.Validation("slave id must be %d-%d, got %d", MinSlaveAddress, MaxSlaveAddress, r.Slave)
	}
	if r.Relay < 1 || r.Relay > MaxRelayNumber {
		return relayerr.Validation("relay number must be 1-%d, got %d", MaxRelayNumber, r.Relay)
	}
	return nil
}

// ParseRelayNumber parses a 1-based relay number.
func ParseRelayNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > MaxRelayNumber {
		return 0, relayerr.Validation("relay number must be a positive integer, got %q", s)
	}
	return n, nil
}

type Recurrence string

const (
	RecurrenceOnce   Recurrence = "once"
	RecurrenceDaily  Recurrence = "daily"
	RecurrenceWeekly Recurrence = "weekly"
)

func (r Recurrence) Valid() bool {
	switch r {
	case RecurrenceOnce, RecurrenceDaily, RecurrenceWeekly:
		return true
	}
	return false
}

// SchedulePolicy decides how entries for the same relay combine.
type SchedulePolicy string

const (
	// PolicySingle keeps at most one entry per relay; creating another
	// replaces the existing one in place.
	PolicySingle SchedulePolicy = "single"
	// PolicyMulti keeps every entry and OR-combines them.
	PolicyMulti SchedulePolicy = "multi"
)

func (p SchedulePolicy) Valid() bool {
	return p == PolicySingle || p == PolicyMulti
}
