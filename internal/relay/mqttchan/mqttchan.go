// Package mqttchan implements the relay channel on an MQTT broker using the
// paho auto-reconnecting client.
package mqttchan

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog/log"

	"github.com/floodguard/floodguard/internal/relay"
)

const (
	qos                 = byte(1)
	defaultCloseTimeout = 5 * time.Second
)

// ErrConnectionLost is returned by Subscribe when the broker connection
// dropped.
var ErrConnectionLost = errors.New("mqtt connection lost")

// Options configures the broker connection.
type Options struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	KeepAlive   uint16
	TopicPrefix string
}

// Channel routes relay traffic through MQTT topics.
type Channel struct {
	opts Options
	cm   *autopaho.ConnectionManager

	mu       sync.Mutex
	handlers map[string]func([]byte)
	lost     chan struct{}
}

// Connect starts the connection manager and waits for the first
// connection.
func Connect(ctx context.Context, opts Options) (*Channel, error) {
	brokerURL, err := url.Parse(opts.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	if brokerURL.Scheme == "" || brokerURL.Host == "" {
		return nil, fmt.Errorf("parse broker url: %q has no scheme or host", opts.BrokerURL)
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30
	}

	c := &Channel{
		opts:     opts,
		handlers: make(map[string]func([]byte)),
		lost:     make(chan struct{}),
	}

	cliCfg := autopaho.ClientConfig{
		BrokerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     opts.KeepAlive,
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			log.Info().Str("broker", brokerURL.Host).Msg("mqtt connection up")
			c.resubscribe(cm)
		},
		OnConnectError: func(err error) {
			log.Warn().Err(err).Msg("mqtt connection attempt failed")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: opts.ClientID,
			Router:   paho.NewStandardRouterWithDefault(c.route),
			OnClientError: func(err error) {
				log.Warn().Err(err).Msg("mqtt client error")
				c.connectionLost()
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					log.Warn().Str("reason", d.Properties.ReasonString).Msg("mqtt server requested disconnect")
				} else {
					log.Warn().Uint8("reason_code", d.ReasonCode).Msg("mqtt server requested disconnect")
				}
				c.connectionLost()
			},
		},
	}
	if opts.Username != "" {
		cliCfg.ConnectUsername = opts.Username
		cliCfg.ConnectPassword = []byte(opts.Password)
	}

	cm, err := autopaho.NewConnection(ctx, cliCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm
	return c, nil
}

func (c *Channel) topic(name string) string {
	return c.opts.TopicPrefix + name
}

// route dispatches an inbound publish to the handler for its topic.
func (c *Channel) route(msg *paho.Publish) {
	c.mu.Lock()
	handler, ok := c.handlers[msg.Topic]
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("topic", msg.Topic).Msg("mqtt message on unhandled topic")
		return
	}
	handler(msg.Payload)
}

func (c *Channel) resubscribe(cm *autopaho.ConnectionManager) {
	c.mu.Lock()
	subs := make([]paho.SubscribeOptions, 0, len(c.handlers))
	for topic := range c.handlers {
		subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: qos})
	}
	c.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{Subscriptions: subs}); err != nil {
		log.Error().Err(err).Msg("mqtt resubscribe failed")
	}
}

// connectionLost wakes every blocked Subscribe so the relay can account for
// the outage.
func (c *Channel) connectionLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.lost:
	default:
		close(c.lost)
	}
}

func (c *Channel) lostSignal() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.lost:
		c.lost = make(chan struct{})
	default:
	}
	return c.lost
}

// Publish sends data to name with QoS 1.
func (c *Channel) Publish(ctx context.Context, name string, data []byte) error {
	if _, err := c.cm.Publish(ctx, &paho.Publish{
		QoS:     qos,
		Topic:   c.topic(name),
		Payload: data,
	}); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// Subscribe registers handler for name and blocks until ctx is done or the
// broker connection drops.
func (c *Channel) Subscribe(ctx context.Context, name string, handler func([]byte)) error {
	topic := c.topic(name)
	lost := c.lostSignal()

	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.handlers, topic)
		c.mu.Unlock()
	}()

	if err := c.cm.AwaitConnection(ctx); err != nil {
		return err
	}
	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	}); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-lost:
		return ErrConnectionLost
	case <-c.cm.Done():
		return relay.ErrClosed
	}
}

// Close disconnects from the broker.
func (c *Channel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()
	return c.cm.Disconnect(ctx)
}

var _ relay.Channel = (*Channel)(nil)
