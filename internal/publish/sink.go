package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultTopic is the topic readings are published to.
const DefaultTopic = "sensor_data"

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt operation timed out")

// MQTTOptions configures MQTTSink.
type MQTTOptions struct {
	Broker    string
	Topic     string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	KeepAlive time.Duration
	// Timeout bounds connect and publish acknowledgements.
	Timeout time.Duration
}

// MQTTSink publishes readings as JSON.
type MQTTSink struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
	logger  *logrus.Logger
}

// NewMQTTSink configures a client for opts.Broker. Connect must be called
// before the first Send.
func NewMQTTSink(opts MQTTOptions, logger *logrus.Logger) *MQTTSink {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ClientID == "" {
		opts.ClientID = "pawrgate-" + uuid.NewString()
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	if opts.KeepAlive > 0 {
		co.SetKeepAlive(opts.KeepAlive)
	}
	co.SetAutoReconnect(true)
	co.SetOrderMatters(false)
	co.SetOnConnectHandler(func(c mqtt.Client) {
		r := c.OptionsReader()
		logger.WithField("client_id", r.ClientID()).Info("Connected to MQTT broker")
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("Connection to MQTT broker lost, reconnecting")
	})

	logger.WithFields(logrus.Fields{
		"broker":    opts.Broker,
		"client_id": opts.ClientID,
	}).Debug("Broker configured")

	return newMQTTSink(mqtt.NewClient(co), opts, logger)
}

func newMQTTSink(client mqtt.Client, opts MQTTOptions, logger *logrus.Logger) *MQTTSink {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &MQTTSink{
		client:  client,
		topic:   opts.Topic,
		qos:     opts.QoS,
		timeout: opts.Timeout,
		logger:  logger,
	}
}

// Connect opens the broker connection.
func (s *MQTTSink) Connect(ctx context.Context) error {
	if err := s.wait(ctx, s.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Send publishes m on the configured topic.
func (s *MQTTSink) Send(ctx context.Context, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	if err := s.wait(ctx, s.client.Publish(s.topic, s.qos, false, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.topic, err)
	}

	s.logger.WithFields(logrus.Fields{
		"address": m.Address,
		"topic":   s.topic,
	}).Infof("Published reading: %s", payload)
	return nil
}

// Close disconnects, giving in-flight messages a moment to finish.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}

func (s *MQTTSink) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes readings to the log instead of a broker.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, m Message) error {
	fields := logrus.Fields{
		"address":     m.Address,
		"timestamp":   m.Timestamp,
		"temperature": m.Temperature,
		"humidity":    m.Humidity,
	}
	if m.BatteryLevel != nil {
		fields["battery_level"] = *m.BatteryLevel
	}
	s.logger.WithFields(fields).Info("Sensor reading")
	return nil
}
