package natsx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsxConfig is the client configuration.
type NatsxConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsxMessage is a received message.
type NatsxMessage struct {
	Subject string
	Data    []byte
}

// NatsxHandler consumes one message.
type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

// NatsxClient wraps a core NATS connection with infinite reconnect.
// The sync bus carries commit notifications only; durability lives in
// the outbox table, so core mode (no JetStream) is enough: a gateway
// that missed messages while reconnecting lets clients self-heal via
// pull.
type NatsxClient struct {
	cfg NatsxConfig
	nc  *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNatsxClient connects to NATS.
func NewNatsxClient(cfg NatsxConfig) (*NatsxClient, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &NatsxClient{cfg: cfg, nc: nc}, nil
}

// Publish sends one message on a subject.
func (c *NatsxClient) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

// Subscribe registers a handler for a subject (wildcards allowed).
func (c *NatsxClient) Subscribe(subject string, h NatsxHandler) error {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		_ = h(context.Background(), NatsxMessage{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
		})
	})
	if err != nil {
		return err
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close drains subscriptions and the connection.
func (c *NatsxClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	c.subs = nil
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}
