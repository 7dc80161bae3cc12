package datadog

import (
	"strconv"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/metrics"
)

// Client is the subset of statsd.ClientInterface the sink uses.
type Client interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
}

// Sink emits controller metrics to a DogStatsD agent.
type Sink struct {
	client Client
}

// New dials the agent. A failure is logged and returns nil so the caller can
// run without Datadog.
func New(addr, namespace string, tags []string) *Sink {
	c, err := statsd.New(addr)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return nil
	}
	c.Namespace = namespace
	c.Tags = tags

	log.Info().
		Str("addr", addr).
		Str("namespace", namespace).
		Strs("tags", tags).
		Msg("Datadog metrics initialized")

	return &Sink{client: c}
}

func NewWithClient(c Client) *Sink {
	return &Sink{client: c}
}

func (s *Sink) gauge(name string, value float64, tags ...string) {
	if err := s.client.Gauge(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
	}
}

func (s *Sink) RecordBusOp(op metrics.BusOp) {
	tags := []string{"op:" + op.Name}
	if op.Err != nil {
		_ = s.client.Count("bus.errors", 1, tags, 1)
	}
	_ = s.client.Timing("bus.wait", op.Wait, tags, 1)
	_ = s.client.Timing("bus.run", op.Run, tags, 1)
}

func (s *Sink) RecordRelayChange(c metrics.RelayChange) {
	v := 0.0
	if c.On {
		v = 1
	}
	s.gauge("relay.state", v,
		"slave:"+strconv.Itoa(int(c.Slave)),
		"relay:"+strconv.Itoa(c.Relay),
		"source:"+c.Source)
}

func (s *Sink) RecordConnection(connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	s.gauge("bus.connected", v)
}

func (s *Sink) RecordTick(r metrics.TickResult) {
	s.gauge("reconcile.relays", float64(r.Relays))
	s.gauge("reconcile.changes", float64(r.Changes))
	s.gauge("reconcile.errors", float64(r.Errors))
	_ = s.client.Timing("reconcile.duration", r.Duration, nil, 1)
}
