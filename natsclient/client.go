// Package natsclient manages the NATS connection shared by entitystream
// components: core pub/sub for telemetry ingest and delta egress, and
// JetStream KV buckets for the entity store and rule distribution.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/entitystream/errors"
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

// Client wraps a NATS connection with lifecycle management and JetStream
// access. Safe for concurrent use.
type Client struct {
	url    string
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	status     atomic.Value // ConnectionStatus
	reconnects atomic.Int32

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	// Authentication
	username string
	password string
	token    string

	onDisconnect func(error)
	onReconnect  func()

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a NATS client. Connect must be called before use.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(nil, "Client", "NewClient", "nats url is required")
	}

	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy reports whether the connection is established
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Connect establishes the connection and initializes JetStream
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(nil, "Client", "Connect", "client is closed")
	}

	c.status.Store(StatusConnecting)
	c.logger.Info("connecting to nats", "url", c.url)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}

		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.status.Store(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.status.Store(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.status.Store(StatusConnected)
	c.logger.Info("connected to nats", "url", c.url)
	return nil
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ErrorHandler(c.handleAsyncError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.status.Store(StatusReconnecting)
	c.logger.Warn("nats disconnected", "error", err)
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.status.Store(StatusConnected)
	c.reconnects.Add(1)
	c.logger.Info("nats reconnected", "url", conn.ConnectedUrl(), "reconnects", c.reconnects.Load())
	if c.onReconnect != nil {
		c.onReconnect()
	}
}

func (c *Client) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("nats async error", "subject", subject, "error", err)
}

// Conn returns the underlying connection, or nil before Connect
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// JetStream returns the JetStream context, or nil before Connect
func (c *Client) JetStream() jetstream.JetStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.js
}

// Publish sends data to a core NATS subject
func (c *Client) Publish(subject string, data []byte) error {
	conn := c.Conn()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Publish", "publish "+subject)
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// Subscribe registers a handler on a core NATS subject with a queue group.
// An empty queue subscribes without load balancing.
func (c *Client) Subscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	conn := c.Conn()
	if conn == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "Subscribe", "subscribe "+subject)
	}

	var sub *nats.Subscription
	var err error
	if queue != "" {
		sub, err = conn.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = conn.Subscribe(subject, handler)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	return sub, nil
}

// CreateKeyValueBucket creates or binds the named KV bucket
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js := c.JetStream()
	if js == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "CreateKeyValueBucket",
			"create bucket "+cfg.Bucket)
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
			"create bucket "+cfg.Bucket)
	}
	return bucket, nil
}

// Close drains the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.status.Store(StatusDisconnected)
		return nil
	}

	drainTimeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- c.conn.Drain()
	}()

	var drainErr error
	select {
	case err := <-drainDone:
		if err != nil {
			drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
		}
	case <-time.After(drainTimeout):
		drainErr = errors.WrapTransient(
			fmt.Errorf("drain timeout after %v", drainTimeout),
			"Client", "Close", "drain connection")
	case <-ctx.Done():
		drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
	}

	c.conn.Close()
	c.conn = nil
	c.js = nil
	c.username = ""
	c.password = ""
	c.token = ""
	c.status.Store(StatusDisconnected)

	if drainErr != nil {
		c.logger.Warn("nats drain incomplete", "error", drainErr)
	}
	return drainErr
}
