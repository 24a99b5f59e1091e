package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 60 * time.Second
)

type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = "iot-rack-ingest-" + uuid.NewString()[:8]
	}
	return c
}

type MessageHandler func(topic string, payload []byte)

// Client wraps a single paho connection. The ingress subscriber and the
// command publisher each own one, with distinct client ids, so that a
// slow egress can never stall the upload stream.
type Client struct {
	cfg     Config
	topics  []string
	handler MessageHandler
	log     zerolog.Logger

	mu     sync.Mutex
	client paho.Client
	closed bool
}

// NewSubscriber creates a client that subscribes to the given topic
// filters on every (re)connect and feeds messages to handler.
func NewSubscriber(cfg Config, topics []string, handler MessageHandler, log zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		topics:  topics,
		handler: handler,
		log:     log.With().Str("component", "mqtt").Str("client_id", cfg.ClientID).Logger(),
	}
}

// NewPublisher creates a publish-only client.
func NewPublisher(cfg Config, log zerolog.Logger) *Client {
	return NewSubscriber(cfg, nil, nil, log)
}

// Connect dials the broker, retrying with exponential backoff (2s start,
// doubling to a 60s cap, reset on success) until the context is
// cancelled. Reconnects after a connection loss follow the same policy.
func (c *Client) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetKeepAlive(c.cfg.KeepAlive).
		SetAutoReconnect(false).
		SetCleanSession(false)

	opts.SetOnConnectHandler(func(client paho.Client) {
		c.log.Info().Str("broker", c.cfg.BrokerURL).Msg("connected")
		c.subscribeAll(client)
	})
	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		c.log.Warn().Err(err).Msg("connection lost")
		go c.reconnect(ctx)
	})

	c.mu.Lock()
	c.client = paho.NewClient(opts)
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	backoff := initialBackoff
	for {
		token := c.client.Connect()
		token.Wait()
		if token.Error() == nil {
			return nil
		}

		c.log.Error().Err(token.Error()).Dur("retry_in", backoff).Msg("connect failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) reconnect(ctx context.Context) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || ctx.Err() != nil {
		return
	}
	if err := c.dial(ctx); err != nil {
		c.log.Error().Err(err).Msg("reconnect abandoned")
	}
}

func (c *Client) subscribeAll(client paho.Client) {
	for _, filter := range c.topics {
		filter := filter
		token := client.Subscribe(filter, 1, func(_ paho.Client, msg paho.Message) {
			c.handler(msg.Topic(), msg.Payload())
		})
		token.Wait()
		if token.Error() != nil {
			c.log.Error().Err(token.Error()).Str("filter", filter).Msg("subscribe failed")
			continue
		}
		c.log.Debug().Str("filter", filter).Msg("subscribed")
	}
}

// Publish sends a payload with the given QoS. It does not wait for the
// broker acknowledgement beyond the local token; QoS-1 retransmission is
// the paho client's business.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	token := client.Publish(topic, qos, false, payload)
	token.Wait()
	return token.Error()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected()
}

// Close disconnects, allowing up to the given grace period for QoS-1
// inflight messages to complete.
func (c *Client) Close(grace time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(uint(grace.Milliseconds()))
	}
}
