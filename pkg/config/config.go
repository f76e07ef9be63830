package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/pawrgate/internal/radio"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PAWRGATE_"

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds application configuration
type Config struct {
	LogLevel string     `yaml:"log_level" env:"LOG_LEVEL" default:"info"`
	PAwR     PAwRConfig `yaml:"pawr" envPrefix:"PAWR_"`
	Scan     ScanConfig `yaml:"scan" envPrefix:"SCAN_"`
	Poll     PollConfig `yaml:"poll" envPrefix:"POLL_"`
	MQTT     MQTTConfig `yaml:"mqtt" envPrefix:"MQTT_"`
	Sim      SimConfig  `yaml:"sim" envPrefix:"SIM_"`
}

// PAwRConfig describes the periodic advertising train. Interval and
// SubeventInterval are in units of 1.25 ms, SlotDelay in 1.25 ms and
// SlotSpacing in 0.125 ms.
type PAwRConfig struct {
	Interval         uint16 `yaml:"interval" env:"INTERVAL" default:"4000"`
	Flags            uint32 `yaml:"flags" env:"FLAGS" default:"2"`
	Subevents        uint8  `yaml:"subevents" env:"SUBEVENTS" default:"1"`
	SubeventInterval uint8  `yaml:"subevent_interval" env:"SUBEVENT_INTERVAL" default:"65"`
	SlotDelay        uint8  `yaml:"slot_delay" env:"SLOT_DELAY" default:"34"`
	SlotSpacing      uint8  `yaml:"slot_spacing" env:"SLOT_SPACING" default:"12"`
	Slots            uint8  `yaml:"slots" env:"SLOTS" default:"23"`
}

// ScanConfig selects which advertisers are paired.
type ScanConfig struct {
	PeripheralName string   `yaml:"peripheral_name" env:"PERIPHERAL_NAME" default:"wsn"`
	AllowList      []string `yaml:"allow_list" env:"ALLOW_LIST"`
	BlockList      []string `yaml:"block_list" env:"BLOCK_LIST"`
}

// PollConfig drives the read rounds.
type PollConfig struct {
	ReadPeriod time.Duration `yaml:"read_period" env:"READ_PERIOD" default:"30s"`
	MaxMissed  int           `yaml:"max_missed" env:"MAX_MISSED" default:"2"`
}

// MQTTConfig configures the reading publisher. An empty Broker logs readings
// instead of publishing them.
type MQTTConfig struct {
	Broker    string        `yaml:"broker" env:"BROKER"`
	Topic     string        `yaml:"topic" env:"TOPIC" default:"sensor_data"`
	ClientID  string        `yaml:"client_id" env:"CLIENT_ID"`
	Username  string        `yaml:"username" env:"USERNAME"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	QoS       byte          `yaml:"qos" env:"QOS" default:"0"`
	KeepAlive time.Duration `yaml:"keep_alive" env:"KEEP_ALIVE" default:"300s"`
}

// SimConfig shapes the simulated radio used by the run command.
type SimConfig struct {
	Tags     int           `yaml:"tags" env:"TAGS" default:"3"`
	Tick     time.Duration `yaml:"tick" env:"TICK" default:"5s"`
	LossRate float64       `yaml:"loss_rate" env:"LOSS_RATE" default:"0"`
	Seed     uint64        `yaml:"seed" env:"SEED" default:"1"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load builds the configuration from defaults, the YAML file at path when
// path is not empty, then PAWRGATE_ environment variables. The result is not
// validated so callers can apply flags first.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	return cfg, nil
}

// Validate checks the limits the gateway relies on.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.PAwR.Interval == 0 {
		return fmt.Errorf("%w: pawr interval must be positive", ErrInvalidConfig)
	}
	if c.PAwR.Subevents == 0 {
		return fmt.Errorf("%w: at least one subevent is required", ErrInvalidConfig)
	}
	// 255 addresses every tag, so it cannot be a slot.
	if c.PAwR.Slots == 0 || c.PAwR.Slots >= radio.BroadcastAddress {
		return fmt.Errorf("%w: slots must be between 1 and %d, got %d", ErrInvalidConfig, radio.BroadcastAddress-1, c.PAwR.Slots)
	}
	if c.Scan.PeripheralName == "" {
		return fmt.Errorf("%w: peripheral name is required", ErrInvalidConfig)
	}
	if c.Poll.ReadPeriod <= 0 {
		return fmt.Errorf("%w: read period must be positive", ErrInvalidConfig)
	}
	if c.Poll.MaxMissed < 1 {
		return fmt.Errorf("%w: max missed responses must be at least 1", ErrInvalidConfig)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	if c.Sim.LossRate < 0 || c.Sim.LossRate > 1 {
		return fmt.Errorf("%w: sim loss rate must be within [0, 1]", ErrInvalidConfig)
	}
	return nil
}

// Params converts the train settings for the radio.
func (p PAwRConfig) Params() radio.PAwRParams {
	return radio.PAwRParams{
		Interval:         p.Interval,
		Flags:            p.Flags,
		Subevents:        p.Subevents,
		SubeventInterval: p.SubeventInterval,
		SlotDelay:        p.SlotDelay,
		SlotSpacing:      p.SlotSpacing,
		Slots:            p.Slots,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
