package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromSink_RecordRelayChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSink(reg)
	require.NoError(t, err)

	sink.RecordRelayChange(RelayChange{Slave: 2, Relay: 5, On: true, Source: "schedule"})
	sink.RecordRelayChange(RelayChange{Slave: 2, Relay: 5, On: true, Source: "schedule"})

	expected := `
# HELP relay_state_changes_total Relay writes applied
# TYPE relay_state_changes_total counter
relay_state_changes_total{relay="5",slave="2",source="schedule",state="on"} 2
`
	assert.NoError(t, testutil.CollectAndCompare(sink.changes, strings.NewReader(expected)))
}

func TestPromSink_RecordBusOpAndConnection(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSink(reg)
	require.NoError(t, err)

	sink.RecordBusOp(BusOp{Name: "read_coil", Wait: 5 * time.Millisecond, Run: 20 * time.Millisecond})
	sink.RecordBusOp(BusOp{Name: "read_coil", Err: errors.New("timeout")})
	sink.RecordConnection(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.busOps.WithLabelValues("read_coil", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.busOps.WithLabelValues("read_coil", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.connected))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.busRun))

	sink.RecordTick(TickResult{Duration: time.Second, Errors: 3})
	assert.Equal(t, 3.0, testutil.ToFloat64(sink.tickErrors))
}

func TestNewPromSink_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPromSink(reg)
	require.NoError(t, err)
	second, err := NewPromSink(reg)
	require.NoError(t, err)

	first.RecordConnection(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(second.connected))
}

type countingSink struct {
	NopSink
	changes int
}

func (c *countingSink) RecordRelayChange(RelayChange) { c.changes++ }

func TestMultiSink_FansOut(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	m := NewMultiSink(a, nil, b)
	require.Len(t, m.Sinks, 2)

	m.RecordRelayChange(RelayChange{Slave: 1, Relay: 1})
	m.RecordBusOp(BusOp{})
	assert.Equal(t, 1, a.changes)
	assert.Equal(t, 1, b.changes)
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, NopSink{}, OrNop(nil))
	s := &countingSink{}
	assert.Same(t, s, OrNop(s))
}
