// Package natsclient manages the gateway's NATS connection and exposes the
// JetStream primitives the stores are built on: streams for at-least-once
// event delivery and KV buckets for durable state with CAS.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
)

// Connection errors.
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
)

// Client wraps a NATS connection with JetStream access. All methods are
// safe for concurrent use.
type Client struct {
	url    string
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *nats.Conn
	js        jetstream.JetStream
	consumers map[string]jetstream.ConsumeContext

	closeMu sync.Mutex
	closed  bool

	maxReconnects int
	reconnectWait time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used by the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconnects configures the automatic reconnect behavior of the
// underlying NATS connection.
func WithReconnects(max int, wait time.Duration) Option {
	return func(c *Client) {
		c.maxReconnects = max
		c.reconnectWait = wait
	}
}

// NewClient creates a client for the given NATS URL. The connection is not
// established until Connect is called.
func NewClient(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "NATS URL is required")
	}

	c := &Client{
		url:           url,
		logger:        slog.Default(),
		consumers:     make(map[string]jetstream.ConsumeContext),
		maxReconnects: -1, // reconnect forever
		reconnectWait: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the configured NATS URL.
func (c *Client) URL() string { return c.url }

// Connect establishes the connection and initializes JetStream.
func (c *Client) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
		}),
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
		}
		js, err := jetstream.New(r.conn)
		if err != nil {
			r.conn.Close()
			return errors.WrapFatal(err, "Client", "Connect", "initialize JetStream")
		}
		c.mu.Lock()
		c.conn = r.conn
		c.js = js
		c.mu.Unlock()
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Close stops all consumers and drains the connection.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, cc := range c.consumers {
		cc.Stop()
		delete(c.consumers, key)
	}

	if c.conn != nil {
		drained := make(chan error, 1)
		go func() { drained <- c.conn.Drain() }()
		select {
		case err := <-drained:
			if err != nil {
				c.conn.Close()
				return errors.WrapTransient(err, "Client", "Close", "drain connection")
			}
		case <-ctx.Done():
			c.conn.Close()
		}
		c.conn = nil
	}
	return nil
}

func (c *Client) jetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "jetStream", "get JetStream context")
	}
	return c.js, nil
}

// CreateStream creates or updates a JetStream stream.
func (c *Client) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateStream", fmt.Sprintf("create stream %s", cfg.Name))
	}
	return stream, nil
}

// Publish publishes to a JetStream subject and waits for the ack. The
// optional msgID enables server-side duplicate suppression.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := js.Publish(ctx, subject, data, opts...); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// Consume creates a durable consumer on the stream and delivers messages
// to handler. A handler error leaves the message unacknowledged so the
// server redelivers it; success acknowledges it. At-least-once semantics:
// handlers must be idempotent.
func (c *Client) Consume(ctx context.Context, streamName, durable, subject string, handler func(context.Context, []byte) error) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    -1,
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Consume", fmt.Sprintf("create consumer %s", durable))
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(ctx, msg.Data()); err != nil {
			c.logger.Warn("Message handling failed, leaving for redelivery",
				"stream", streamName, "subject", msg.Subject(), "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Consume", "start consuming")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := streamName + ":" + durable
	if existing, ok := c.consumers[key]; ok {
		existing.Stop()
	}
	c.consumers[key] = cc
	return nil
}

// CreateKeyValueBucket creates a KV bucket, or returns the existing one.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			// Lost a create race, the bucket is there now.
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err != nil {
				return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
					fmt.Sprintf("access existing bucket %s", cfg.Bucket))
			}
			return bucket, nil
		}
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
			fmt.Sprintf("create bucket %s", cfg.Bucket))
	}

	c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
	return bucket, nil
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already in use")
}
