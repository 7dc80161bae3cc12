package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PromSink records controller metrics as Prometheus collectors.
type PromSink struct {
	busOps      *prometheus.CounterVec
	busWait     *prometheus.HistogramVec
	busRun      *prometheus.HistogramVec
	changes     *prometheus.CounterVec
	connected   prometheus.Gauge
	tickSeconds prometheus.Histogram
	tickErrors  prometheus.Counter
}

// NewPromSink registers the collectors on reg, or on the default registerer
// when reg is nil. Collectors that are already registered are reused.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		busOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bus_ops_total",
			Help: "Bus transactions by operation and result",
		}, []string{"op", "result"}),
		busWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_bus_wait_seconds",
			Help:    "Time a transaction spent queued before it ran",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		busRun: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_bus_run_seconds",
			Help:    "Time a transaction held the bus",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_state_changes_total",
			Help: "Relay writes applied",
		}, []string{"slave", "relay", "state", "source"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_bus_connected",
			Help: "1 when the serial bus is connected",
		}),
		tickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_reconcile_duration_seconds",
			Help:    "Duration of a reconcile pass",
			Buckets: prometheus.DefBuckets,
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_reconcile_errors_total",
			Help: "Per-relay errors during reconcile passes",
		}),
	}

	var err error
	if s.busOps, err = register(reg, s.busOps); err != nil {
		return nil, err
	}
	if s.busWait, err = register(reg, s.busWait); err != nil {
		return nil, err
	}
	if s.busRun, err = register(reg, s.busRun); err != nil {
		return nil, err
	}
	if s.changes, err = register(reg, s.changes); err != nil {
		return nil, err
	}
	if s.connected, err = register(reg, s.connected); err != nil {
		return nil, err
	}
	if s.tickSeconds, err = register(reg, s.tickSeconds); err != nil {
		return nil, err
	}
	if s.tickErrors, err = register(reg, s.tickErrors); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (s *PromSink) RecordBusOp(op BusOp) {
	result := "ok"
	if op.Err != nil {
		result = "error"
	}
	s.busOps.WithLabelValues(op.Name, result).Inc()
	s.busWait.WithLabelValues(op.Name).Observe(op.Wait.Seconds())
	s.busRun.WithLabelValues(op.Name).Observe(op.Run.Seconds())
}

func (s *PromSink) RecordRelayChange(c RelayChange) {
	state := "off"
	if c.On {
		state = "on"
	}
	s.changes.WithLabelValues(strconv.Itoa(int(c.Slave)), strconv.Itoa(c.Relay), state, c.Source).Inc()
}

func (s *PromSink) RecordConnection(connected bool) {
	if connected {
		s.connected.Set(1)
	} else {
		s.connected.Set(0)
	}
}

func (s *PromSink) RecordTick(r TickResult) {
	s.tickSeconds.Observe(r.Duration.Seconds())
	s.tickErrors.Add(float64(r.Errors))
}
