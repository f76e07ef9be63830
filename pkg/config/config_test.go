package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/pawrgate/internal/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, radio.PAwRParams{
		Interval:         4000,
		Flags:            0x2,
		Subevents:        1,
		SubeventInterval: 65,
		SlotDelay:        34,
		SlotSpacing:      12,
		Slots:            23,
	}, cfg.PAwR.Params())
	assert.Equal(t, "wsn", cfg.Scan.PeripheralName)
	assert.Equal(t, 30*time.Second, cfg.Poll.ReadPeriod)
	assert.Equal(t, 2, cfg.Poll.MaxMissed)
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Equal(t, "sensor_data", cfg.MQTT.Topic)
	assert.Equal(t, 300*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, 3, cfg.Sim.Tags)
	assert.Equal(t, uint64(1), cfg.Sim.Seed)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pawrgate.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
pawr:
  slots: 10
  subevents: 2
poll:
  read_period: 1m
mqtt:
  broker: tcp://localhost:1883
scan:
  block_list: ["00:0b:57:00:00:01"]
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, uint8(10), cfg.PAwR.Slots)
		assert.Equal(t, uint8(2), cfg.PAwR.Subevents)
		assert.Equal(t, uint16(4000), cfg.PAwR.Interval, "unset keys MUST keep their defaults")
		assert.Equal(t, time.Minute, cfg.Poll.ReadPeriod)
		assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
		assert.Equal(t, []string{"00:0b:57:00:00:01"}, cfg.Scan.BlockList)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pawrgate.yaml")
		require.NoError(t, os.WriteFile(path, []byte("pawr:\n  slots: 10\n"), 0o600))
		t.Setenv("PAWRGATE_PAWR_SLOTS", "5")
		t.Setenv("PAWRGATE_POLL_MAX_MISSED", "4")
		t.Setenv("PAWRGATE_MQTT_TOPIC", "tags")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, uint8(5), cfg.PAwR.Slots)
		assert.Equal(t, 4, cfg.Poll.MaxMissed)
		assert.Equal(t, "tags", cfg.MQTT.Topic)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("pawr: [\n"), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("malformed environment", func(t *testing.T) {
		t.Setenv("PAWRGATE_POLL_READ_PERIOD", "soon")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults are valid", func(*Config) {}, true},
		{"maximum slots", func(c *Config) { c.PAwR.Slots = 254 }, true},
		{"broadcast address is not a slot", func(c *Config) { c.PAwR.Slots = 255 }, false},
		{"no slots", func(c *Config) { c.PAwR.Slots = 0 }, false},
		{"no subevents", func(c *Config) { c.PAwR.Subevents = 0 }, false},
		{"zero interval", func(c *Config) { c.PAwR.Interval = 0 }, false},
		{"zero read period", func(c *Config) { c.Poll.ReadPeriod = 0 }, false},
		{"zero miss threshold", func(c *Config) { c.Poll.MaxMissed = 0 }, false},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"empty peripheral name", func(c *Config) { c.Scan.PeripheralName = "" }, false},
		{"qos out of range", func(c *Config) { c.MQTT.QoS = 3 }, false},
		{"loss rate out of range", func(c *Config) { c.Sim.LossRate = 1.5 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{"creates logger with debug level", "debug", logrus.DebugLevel},
		{"creates logger with info level", "info", logrus.InfoLevel},
		{"creates logger with warn level", "warn", logrus.WarnLevel},
		{"creates logger with error level", "error", logrus.ErrorLevel},
		{"falls back to info", "loud", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
