package metrics

import "time"

// BusOp is one transaction that passed through the bus arbiter.
type BusOp struct {
	Name string
	Wait time.Duration
	Run  time.Duration
	Err  error
}

// RelayChange is a corrective write applied by the reconciler or the API.
type RelayChange struct {
	Slave  uint8
	Relay  int
	On     bool
	Source string
}

// TickResult summarises one reconcile pass.
type TickResult struct {
	Duration time.Duration
	Relays   int
	Changes  int
	Errors   int
}

// Sink receives controller metrics.
type Sink interface {
	RecordBusOp(op BusOp)
	RecordRelayChange(c RelayChange)
	RecordConnection(connected bool)
	RecordTick(r TickResult)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) RecordBusOp(BusOp)             {}
func (NopSink) RecordRelayChange(RelayChange) {}
func (NopSink) RecordConnection(bool)         {}
func (NopSink) RecordTick(TickResult)         {}

// OrNop returns s, or a NopSink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return NopSink{}
	}
	return s
}
