// Package mqtt publishes relay state as retained messages so dashboards and
// home automation can follow the bank without polling the API.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/model"
)

const publishTimeout = 2 * time.Second

type Client interface {
	IsConnected() bool
	Disconnect(uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// StatePayload is the retained body on <prefix>/<slave>/<relay>/state.
type StatePayload struct {
	State  string    `json:"state"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

type Publisher struct {
	client Client
	prefix string
	qos    byte
	now    func() time.Time
}

// Connect dials the broker. The broker is told to mark the controller
// offline if the session drops.
func Connect(cfg Config) (*Publisher, error) {
	prefix := strings.TrimRight(cfg.TopicPrefix, "/")
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true).
		SetWill(prefix+"/status", "offline", cfg.QoS, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, token.Error())
	}

	log.Info().Str("broker", cfg.Broker).Str("prefix", prefix).Msg("Connected to MQTT broker")

	p := NewWithClient(client, prefix, cfg.QoS)
	p.publish(prefix+"/status", []byte("online"))
	return p, nil
}

func NewWithClient(c Client, prefix string, qos byte) *Publisher {
	return &Publisher{client: c, prefix: strings.TrimRight(prefix, "/"), qos: qos, now: time.Now}
}

func (p *Publisher) StateTopic(ref model.RelayRef) string {
	return fmt.Sprintf("%s/%d/%d/state", p.prefix, ref.Slave, ref.Relay)
}

// PublishRelayState publishes a retained state message. Failures are logged.
func (p *Publisher) PublishRelayState(ref model.RelayRef, on bool, source string) {
	state := "OFF"
	if on {
		state = "ON"
	}
	b, err := json.Marshal(StatePayload{State: state, Source: source, At: p.now().UTC()})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode relay state")
		return
	}
	p.publish(p.StateTopic(ref), b)
}

// PublishBusState publishes the serial link state to <prefix>/bus.
func (p *Publisher) PublishBusState(connected bool) {
	state := "disconnected"
	if connected {
		state = "connected"
	}
	p.publish(p.prefix+"/bus", []byte(state))
}

func (p *Publisher) publish(topic string, payload []byte) {
	if !p.client.IsConnected() {
		log.Debug().Str("topic", topic).Msg("MQTT not connected, dropping message")
		return
	}
	token := p.client.Publish(topic, p.qos, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Warn().Str("topic", topic).Msg("MQTT publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
	}
}

func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.publish(p.prefix+"/status", []byte("offline"))
		p.client.Disconnect(250)
	}
}
