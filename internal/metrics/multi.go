package metrics

// MultiSink fans metrics out to several sinks.
type MultiSink struct {
	Sinks []Sink
}

// NewMultiSink drops nil entries.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.Sinks = append(m.Sinks, s)
		}
	}
	return m
}

func (m *MultiSink) RecordBusOp(op BusOp) {
	for _, s := range m.Sinks {
		s.RecordBusOp(op)
	}
}

func (m *MultiSink) RecordRelayChange(c RelayChange) {
	for _, s := range m.Sinks {
		s.RecordRelayChange(c)
	}
}

func (m *MultiSink) RecordConnection(connected bool) {
	for _, s := range m.Sinks {
		s.RecordConnection(connected)
	}
}

func (m *MultiSink) RecordTick(r TickResult) {
	for _, s := range m.Sinks {
		s.RecordTick(r)
	}
}
