package telemetry

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
	disconnectQuiesce     = 500 // milliseconds
	maxQoS                = 2
)

var (
	ErrNotConnected  = errors.New("telemetry: client not connected")
	ErrPublishFailed = errors.New("telemetry: publish failed")
	ErrInvalidQoS    = errors.New("telemetry: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic  = errors.New("telemetry: topic cannot be empty")
)

// Config selects the broker and topic layout
type Config struct {
	// Broker URL, e.g. tcp://localhost:1883. Empty disables telemetry.
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Username    string
	Password    string
}

// Enabled reports whether a broker is configured
func (c Config) Enabled() bool {
	return c.Broker != ""
}

// Validate checks the settings that paho would otherwise reject late
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.QoS > maxQoS {
		return ErrInvalidQoS
	}
	if c.TopicPrefix == "" {
		return ErrInvalidTopic
	}
	return nil
}

type statusPayload struct {
	Status   string    `cbor:"status"`
	ClientID string    `cbor:"client_id"`
	At       time.Time `cbor:"at"`
}

// MQTTClient is a Publisher backed by a paho connection
type MQTTClient struct {
	client    pahomqtt.Client
	cfg       Config
	logger    *logrus.Logger
	connected atomic.Bool
}

// Connect opens the broker connection, arms the last-will status message and publishes "online"
func Connect(cfg Config, logger *logrus.Logger) (*MQTTClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &MQTTClient{cfg: cfg, logger: logger}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if will, err := c.status("offline"); err == nil {
		opts.SetBinaryWill(StatusTopic(cfg.TopicPrefix), will, 1, true)
	}

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		c.connected.Store(true)
		logger.WithField("broker", cfg.Broker).Info("Telemetry broker connected")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.connected.Store(false)
		logger.WithError(err).Warn("Telemetry broker connection lost")
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("telemetry: connection to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("telemetry: failed to connect to %s: %w", cfg.Broker, err)
	}
	c.connected.Store(true)

	online, err := c.status("online")
	if err != nil {
		return nil, err
	}
	if err := c.Publish(StatusTopic(cfg.TopicPrefix), online, 1, true); err != nil {
		logger.WithError(err).Warn("Failed to publish online status")
	}
	return c, nil
}

func (c *MQTTClient) status(s string) ([]byte, error) {
	return cbor.Marshal(statusPayload{Status: s, ClientID: c.cfg.ClientID, At: time.Now().UTC()})
}

// Publish sends payload and waits for the broker acknowledgement
func (c *MQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close publishes a graceful "offline" status and disconnects
func (c *MQTTClient) Close() error {
	if c.connected.Load() {
		if offline, err := c.status("offline"); err == nil {
			if err := c.Publish(StatusTopic(c.cfg.TopicPrefix), offline, 1, true); err != nil {
				c.logger.WithError(err).Debug("Failed to publish offline status")
			}
		}
	}
	c.connected.Store(false)
	c.client.Disconnect(disconnectQuiesce)
	return nil
}
