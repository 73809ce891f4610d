package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sakthipriyas/spead2/errors"
	"github.com/sakthipriyas/spead2/metric"
	"github.com/sakthipriyas/spead2/pkg/retry"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Client manages a NATS connection
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	clientName    string

	metrics *metric.Metrics
}

// NewClient creates a client for the given NATS URL. The connection is
// established by Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	c := &Client{
		url:           url,
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		clientName:    "spead2-recv",
		logger:        slog.Default().With("component", "natsclient"),
	}
	c.status.Store(StatusDisconnected)
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Connect establishes the connection, retrying transient failures
func (c *Client) Connect(ctx context.Context) error {
	c.status.Store(StatusConnecting)

	connect := func() error {
		conn, err := nats.Connect(c.url,
			nats.Name(c.clientName),
			nats.MaxReconnects(c.maxReconnects),
			nats.ReconnectWait(c.reconnectWait),
			nats.Timeout(c.timeout),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				c.status.Store(StatusReconnecting)
				if c.metrics != nil {
					c.metrics.NATSConnected.Set(0)
				}
				if err != nil {
					c.logger.Warn("NATS disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				c.status.Store(StatusConnected)
				if c.metrics != nil {
					c.metrics.NATSConnected.Set(1)
					c.metrics.NATSReconnects.Inc()
				}
				c.logger.Info("NATS reconnected")
			}),
		)
		if err != nil {
			return errors.WrapTransient(err, "natsclient", "Connect", "dial")
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	}

	if err := retry.Do(ctx, retry.Quick(), connect); err != nil {
		c.status.Store(StatusDisconnected)
		return err
	}

	c.status.Store(StatusConnected)
	if c.metrics != nil {
		c.metrics.NATSConnected.Set(1)
	}
	c.logger.Info("NATS connected", "url", c.url)
	return nil
}

// Publish sends data on a subject
func (c *Client) Publish(subject string, data []byte) error {
	conn := c.GetConnection()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "natsclient", "Publish", "connection check")
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "natsclient", "Publish", "publish")
	}
	return nil
}

// GetConnection returns the underlying connection, or nil when not
// connected
func (c *Client) GetConnection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	s, _ := c.status.Load().(ConnectionStatus)
	return s
}

// Close drains and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.status.Store(StatusDisconnected)
	if c.metrics != nil {
		c.metrics.NATSConnected.Set(0)
	}
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("natsclient.Close: drain failed: %w", err)
	}
	return nil
}
