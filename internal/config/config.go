package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/relay-controller/internal/model"
)

const envPrefix = "RELAY_"

type Serial struct {
	Port           string `json:"port"`
	BaudRate       int    `json:"baud_rate"`
	DataBits       int    `json:"data_bits"`
	StopBits       int    `json:"stop_bits"`
	Parity         string `json:"parity"`
	DefaultSlaveID int    `json:"default_slave_id"`
	TimeoutMS      int    `json:"timeout_ms"`
}

type Bus struct {
	MinSpacingMS         int `json:"min_spacing_ms"`
	SettleDelayMS        int `json:"settle_delay_ms"`
	ReconnectDelayMS     int `json:"reconnect_delay_ms"`
	TransactionTimeoutMS int `json:"transaction_timeout_ms"`
}

type Scheduler struct {
	TickSeconds       int    `json:"tick_seconds"`
	Timezone          string `json:"timezone"`
	Policy            string `json:"policy"`
	TurnOffOnShutdown *bool  `json:"turn_off_on_shutdown"`
}

type Store struct {
	Path string `json:"path"`
}

type History struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"db_path"`
}

type API struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type Metrics struct {
	PrometheusEnabled bool     `json:"prometheus_enabled"`
	DatadogEnabled    bool     `json:"datadog_enabled"`
	DatadogAddr       string   `json:"datadog_addr"`
	Namespace         string   `json:"namespace"`
	Tags              []string `json:"tags"`
}

type MQTT struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
}

type Notifications struct {
	NtfyTopic string `json:"ntfy_topic"`
}

type Config struct {
	ConfigFile string `json:"-"`

	Serial        Serial        `json:"serial"`
	Bus           Bus           `json:"bus"`
	Slaves        []int         `json:"slaves"`
	Scheduler     Scheduler     `json:"scheduler"`
	Store         Store         `json:"store"`
	History       History       `json:"history"`
	API           API           `json:"api"`
	Metrics       Metrics       `json:"metrics"`
	MQTT          MQTT          `json:"mqtt"`
	Notifications Notifications `json:"notifications"`

	LogLevel  string `json:"log_level"`
	LogFile   string `json:"log_file"`
	LogFormat string `json:"log_format"`
}

// Load reads a YAML or JSON file, applies RELAY_ environment overrides
// (RELAY_SERIAL__PORT sets serial.port), fills defaults and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = path
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) SetDefaults() {
	if c.Serial.Port == "" {
		c.Serial.Port = "/dev/ttyUSB0"
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 9600
	}
	if c.Serial.DataBits == 0 {
		c.Serial.DataBits = 8
	}
	if c.Serial.StopBits == 0 {
		c.Serial.StopBits = 1
	}
	if c.Serial.Parity == "" {
		c.Serial.Parity = "N"
	}
	if c.Serial.DefaultSlaveID == 0 {
		c.Serial.DefaultSlaveID = 1
	}
	if c.Serial.TimeoutMS == 0 {
		c.Serial.TimeoutMS = 1000
	}

	if c.Bus.MinSpacingMS == 0 {
		c.Bus.MinSpacingMS = 100
	}
	if c.Bus.SettleDelayMS == 0 {
		c.Bus.SettleDelayMS = 50
	}
	if c.Bus.ReconnectDelayMS == 0 {
		c.Bus.ReconnectDelayMS = 5000
	}
	if c.Bus.TransactionTimeoutMS == 0 {
		c.Bus.TransactionTimeoutMS = c.Serial.TimeoutMS + 500
	}

	if len(c.Slaves) == 0 {
		c.Slaves = []int{c.Serial.DefaultSlaveID}
	}

	if c.Scheduler.TickSeconds == 0 {
		c.Scheduler.TickSeconds = 60
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "Asia/Bangkok"
	}
	if c.Scheduler.Policy == "" {
		c.Scheduler.Policy = string(model.PolicySingle)
	}
	if c.Scheduler.TurnOffOnShutdown == nil {
		on := true
		c.Scheduler.TurnOffOnShutdown = &on
	}

	if c.Store.Path == "" {
		c.Store.Path = "data/schedules.json"
	}
	if c.History.DBPath == "" {
		c.History.DBPath = "data/history.db"
	}

	if c.API.Port == 0 {
		c.API.Port = 3000
	}

	if c.Metrics.DatadogAddr == "" {
		c.Metrics.DatadogAddr = "127.0.0.1:8125"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "relay"
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "relay-controller"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "relays"
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}

func (c *Config) Validate() error {
	var problems []string

	if id := c.Serial.DefaultSlaveID; id < int(model.MinSlaveAddress) || id > int(model.MaxSlaveAddress) {
		problems = append(problems, fmt.Sprintf("serial.default_slave_id %d out of range", id))
	}
	switch strings.ToUpper(c.Serial.Parity) {
	case "N", "E", "O":
	default:
		problems = append(problems, fmt.Sprintf("serial.parity %q must be N, E or O", c.Serial.Parity))
	}
	if c.Serial.DataBits < 5 || c.Serial.DataBits > 8 {
		problems = append(problems, fmt.Sprintf("serial.data_bits %d out of range", c.Serial.DataBits))
	}
	if c.Serial.StopBits != 1 && c.Serial.StopBits != 2 {
		problems = append(problems, fmt.Sprintf("serial.stop_bits %d must be 1 or 2", c.Serial.StopBits))
	}
	if c.Bus.MinSpacingMS < 0 || c.Bus.SettleDelayMS < 0 || c.Bus.ReconnectDelayMS < 0 || c.Bus.TransactionTimeoutMS < 0 {
		problems = append(problems, "bus timings must not be negative")
	}
	// the arbiter must not give up on a transaction the serial driver still owns
	if c.Bus.TransactionTimeoutMS < c.Serial.TimeoutMS+c.Bus.SettleDelayMS {
		problems = append(problems, fmt.Sprintf("bus.transaction_timeout_ms %d must be at least serial.timeout_ms + bus.settle_delay_ms (%d)",
			c.Bus.TransactionTimeoutMS, c.Serial.TimeoutMS+c.Bus.SettleDelayMS))
	}

	seen := map[int]bool{}
	for _, id := range c.Slaves {
		if id < int(model.MinSlaveAddress) || id > int(model.MaxSlaveAddress) {
			problems = append(problems, fmt.Sprintf("slave %d out of range", id))
		}
		if seen[id] {
			problems = append(problems, fmt.Sprintf("slave %d listed twice", id))
		}
		seen[id] = true
	}

	if c.Scheduler.TickSeconds < 0 {
		problems = append(problems, "scheduler.tick_seconds must not be negative")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("scheduler.timezone %q: %v", c.Scheduler.Timezone, err))
	}
	if !model.SchedulePolicy(c.Scheduler.Policy).Valid() {
		problems = append(problems, fmt.Sprintf("scheduler.policy %q must be single or multi", c.Scheduler.Policy))
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		problems = append(problems, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		problems = append(problems, "mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		problems = append(problems, fmt.Sprintf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("log_level %q: %v", c.LogLevel, err))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q must be json or console", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (s Serial) Timeout() time.Duration { return ms(s.TimeoutMS) }

func (b Bus) MinSpacing() time.Duration     { return ms(b.MinSpacingMS) }
func (b Bus) SettleDelay() time.Duration    { return ms(b.SettleDelayMS) }
func (b Bus) ReconnectDelay() time.Duration { return ms(b.ReconnectDelayMS) }
func (b Bus) Timeout() time.Duration        { return ms(b.TransactionTimeoutMS) }

// ShutdownTurnOff reports whether ON relays are switched off on exit. Unset
// means yes.
func (s Scheduler) ShutdownTurnOff() bool {
	return s.TurnOffOnShutdown == nil || *s.TurnOffOnShutdown
}

func (s Scheduler) TickInterval() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// SlaveAddresses converts the configured slave list. Call after Validate.
func (c *Config) SlaveAddresses() []model.SlaveAddress {
	out := make([]model.SlaveAddress, 0, len(c.Slaves))
	for _, id := range c.Slaves {
		out = append(out, model.SlaveAddress(id))
	}
	return out
}

func (a API) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
