package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/relay-controller/internal/model"
)

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type mockClient struct {
	mu           sync.Mutex
	connected    bool
	disconnected bool
	err          error
	msgs         []message
}

func (m *mockClient) IsConnected() bool { return m.connected }
func (m *mockClient) Disconnect(uint)   { m.disconnected = true; m.connected = false }
func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, message{topic, qos, retained, payload.([]byte)})
	return &mockToken{err: m.err}
}

type mockToken struct{ err error }

func (t *mockToken) Wait() bool                       { return true }
func (t *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *mockToken) Error() error                     { return t.err }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestPublishRelayState(t *testing.T) {
	mc := &mockClient{connected: true}
	p := NewWithClient(mc, "home/relays/", 1)
	at := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	p.PublishRelayState(model.RelayRef{Slave: 2, Relay: 5}, true, "schedule")

	require.Len(t, mc.msgs, 1)
	m := mc.msgs[0]
	assert.Equal(t, "home/relays/2/5/state", m.topic)
	assert.Equal(t, byte(1), m.qos)
	assert.True(t, m.retained)

	var body StatePayload
	require.NoError(t, json.Unmarshal(m.payload, &body))
	assert.Equal(t, "ON", body.State)
	assert.Equal(t, "schedule", body.Source)
	assert.True(t, body.At.Equal(at))
}

func TestPublish_DropsWhenDisconnected(t *testing.T) {
	mc := &mockClient{}
	p := NewWithClient(mc, "relays", 0)
	p.PublishRelayState(model.RelayRef{Slave: 1, Relay: 1}, false, "manual")
	p.PublishBusState(true)
	assert.Empty(t, mc.msgs)
}

func TestPublish_ErrorIsNotFatal(t *testing.T) {
	mc := &mockClient{connected: true, err: errors.New("not authorised")}
	p := NewWithClient(mc, "relays", 0)
	p.PublishBusState(false)
	require.Len(t, mc.msgs, 1)
	assert.Equal(t, "relays/bus", mc.msgs[0].topic)
	assert.Equal(t, "disconnected", string(mc.msgs[0].payload))
}

func TestClose(t *testing.T) {
	mc := &mockClient{connected: true}
	p := NewWithClient(mc, "relays", 0)
	p.Close()

	assert.True(t, mc.disconnected)
	require.Len(t, mc.msgs, 1)
	assert.Equal(t, "relays/status", mc.msgs[0].topic)
	assert.Equal(t, "offline", string(mc.msgs[0].payload))
}
