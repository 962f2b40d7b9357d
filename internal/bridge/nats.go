// Package bridge fans SEND traffic out to other broker nodes over NATS and
// delivers their traffic to local subscribers.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/stomp_poc/internal/monitoring"
	"github.com/adred-codev/stomp_poc/internal/registry"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	HdrOrigin      = "Stomp-Origin"
	HdrDestination = "Stomp-Destination"
)

// Broadcaster delivers a body to the local subscribers of a channel.
// registry.Connections satisfies it.
type Broadcaster interface {
	Broadcast(channel, body string, from int64) int
}

type Config struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
}

func (c *Config) setDefaults() {
	if c.Subject == "" {
		c.Subject = "stomp.broadcast"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
}

// NATSBridge implements protocol.Relay. Messages carry the publishing
// node's id so a node ignores its own traffic.
type NATSBridge struct {
	cfg     Config
	node    string
	local   Broadcaster
	logger  zerolog.Logger
	metrics *monitoring.Metrics

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription
}

func newBridge(cfg Config, local Broadcaster, logger zerolog.Logger, metrics *monitoring.Metrics) *NATSBridge {
	cfg.setDefaults()
	node := uuid.NewString()
	return &NATSBridge{
		cfg:     cfg,
		node:    node,
		local:   local,
		logger:  logger.With().Str("component", "bridge").Str("node", node).Logger(),
		metrics: metrics,
	}
}

// Connect dials NATS and subscribes to the broadcast subject.
func Connect(cfg Config, local Broadcaster, logger zerolog.Logger, metrics *monitoring.Metrics) (*NATSBridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("bridge: NATS URL is required")
	}
	b := newBridge(cfg, local, logger, metrics)

	conn, err := nats.Connect(b.cfg.URL,
		nats.Name("stomp-server-"+b.node),
		nats.MaxReconnects(b.cfg.MaxReconnects),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.PingInterval(b.cfg.PingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := conn.Subscribe(b.cfg.Subject, b.deliver)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.cfg.Subject, err)
	}

	b.mu.Lock()
	b.conn, b.sub = conn, sub
	b.mu.Unlock()

	b.logger.Info().Str("url", conn.ConnectedUrl()).Str("subject", b.cfg.Subject).Msg("Bridge connected")
	return b, nil
}

// Node returns this node's id.
func (b *NATSBridge) Node() string { return b.node }

// Publish forwards a locally accepted SEND. Failures are logged; the local
// fan-out already happened.
func (b *NATSBridge) Publish(channel, body string) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}

	if err := conn.PublishMsg(b.message(channel, body)); err != nil {
		b.logger.Warn().Err(err).Str("destination", channel).Msg("Bridge publish failed")
		return
	}
	b.metrics.BridgePublished.Inc()
}

func (b *NATSBridge) message(channel, body string) *nats.Msg {
	msg := nats.NewMsg(b.cfg.Subject)
	msg.Header.Set(HdrOrigin, b.node)
	msg.Header.Set(HdrDestination, channel)
	msg.Data = []byte(body)
	return msg
}

// deliver hands a remote message to local subscribers. Nobody is excluded:
// the sender lives on another node.
func (b *NATSBridge) deliver(msg *nats.Msg) {
	if msg.Header.Get(HdrOrigin) == b.node {
		return
	}
	channel := msg.Header.Get(HdrDestination)
	if channel == "" {
		b.logger.Debug().Msg("Dropping bridge message without destination")
		return
	}
	b.metrics.BridgeReceived.Inc()
	b.local.Broadcast(channel, string(msg.Data), registry.NoSender)
}

// Close drains the subscription and closes the connection.
func (b *NATSBridge) Close() error {
	b.mu.Lock()
	conn, sub := b.conn, b.sub
	b.conn, b.sub = nil, nil
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	conn.Close()
	b.logger.Info().Msg("Bridge closed")
	return err
}
