// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitrpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/rabbitrpc/internal/rabbitmq"
	"github.com/glimte/rabbitrpc/internal/reliability"
	"github.com/glimte/rabbitrpc/messaging"
	rabbitmqTransport "github.com/glimte/rabbitrpc/transports/rabbitmq"
)

// Client is an RPC client that owns its broker connection
type Client struct {
	*messaging.RPCClient
	conn messaging.Connection
}

// Worker is a worker consumer that owns its broker connection
type Worker struct {
	*messaging.Worker
	conn messaging.Connection
}

// NewClient connects to the broker at connectionString and creates an RPC
// client on it. A connection failure is returned as a *rabbitmq.ConnectionError.
func NewClient(connectionString string, options ...Option) (*Client, error) {
	cfg := newConfig(options)

	conn, err := dial(connectionString, cfg)
	if err != nil {
		return nil, err
	}
	return newClient(conn, cfg)
}

// NewClientWithConnection creates an RPC client on an existing connection.
// The client takes ownership of conn and closes it on Close.
func NewClientWithConnection(conn messaging.Connection, options ...Option) (*Client, error) {
	return newClient(conn, newConfig(options))
}

func newClient(conn messaging.Connection, cfg *config) (*Client, error) {
	ctx, cancel := cfg.setupContext()
	defer cancel()

	rpc, err := messaging.NewRPCClient(ctx, conn,
		messaging.WithClientLogger(cfg.logger),
		messaging.WithClientMetrics(cfg.metrics),
		messaging.WithCallTimeout(cfg.callTimeout),
		messaging.WithClientPrefetch(cfg.prefetch),
		messaging.WithReplyQueue(cfg.replyQueue),
	)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	cfg.logger.Info("rpc client ready", "replyQueue", rpc.ReplyQueue())
	return &Client{RPCClient: rpc, conn: conn}, nil
}

// Connection returns the connection the client owns
func (c *Client) Connection() messaging.Connection {
	return c.conn
}

// Close closes the client and then its connection, which removes the reply
// queue on the broker.
func (c *Client) Close() error {
	return errors.Join(c.RPCClient.Close(), c.conn.Close())
}

// NewWorker connects to the broker at connectionString and creates a worker
// consumer on it. A connection failure is returned as a
// *rabbitmq.ConnectionError.
func NewWorker(connectionString string, options ...Option) (*Worker, error) {
	cfg := newConfig(options)

	conn, err := dial(connectionString, cfg)
	if err != nil {
		return nil, err
	}
	return newWorker(conn, cfg)
}

// NewWorkerWithConnection creates a worker consumer on an existing
// connection. The worker takes ownership of conn and closes it on Close.
func NewWorkerWithConnection(conn messaging.Connection, options ...Option) (*Worker, error) {
	return newWorker(conn, newConfig(options))
}

func newWorker(conn messaging.Connection, cfg *config) (*Worker, error) {
	ctx, cancel := cfg.setupContext()
	defer cancel()

	workerOpts := []messaging.WorkerOption{
		messaging.WithWorkerLogger(cfg.logger),
		messaging.WithWorkerMetrics(cfg.metrics),
		messaging.WithPrefetch(cfg.prefetch),
		messaging.WithFailurePolicy(cfg.failurePolicy),
	}
	if cfg.requeuePolicy != nil {
		workerOpts = append(workerOpts, messaging.WithRequeuePolicy(cfg.requeuePolicy))
	}

	w, err := messaging.NewWorker(ctx, conn, workerOpts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Worker{Worker: w, conn: conn}, nil
}

// Connection returns the connection the worker owns
func (w *Worker) Connection() messaging.Connection {
	return w.conn
}

// Close stops the worker and closes its connection. Deliveries still held
// unacknowledged are returned to their queues by the broker.
func (w *Worker) Close() error {
	return errors.Join(w.Worker.Close(), w.conn.Close())
}

func dial(connectionString string, cfg *config) (*rabbitmqTransport.Transport, error) {
	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
	}
	if cfg.username != "" {
		connOpts = append(connOpts, rabbitmq.WithCredentials(cfg.username, cfg.password))
	}
	if cfg.heartbeat > 0 {
		connOpts = append(connOpts, rabbitmq.WithHeartbeat(cfg.heartbeat))
	}
	if cfg.connectTimeout > 0 {
		connOpts = append(connOpts, rabbitmq.WithConnectTimeout(cfg.connectTimeout))
	}
	if cfg.dialRetry != nil {
		connOpts = append(connOpts, rabbitmq.WithDialRetry(cfg.dialRetry))
	}

	return rabbitmqTransport.Dial(context.Background(), connectionString,
		rabbitmqTransport.WithConnectionOptions(connOpts...))
}

// config holds client and worker configuration
type config struct {
	logger         *slog.Logger
	metrics        messaging.MetricsRecorder
	username       string
	password       string
	heartbeat      time.Duration
	connectTimeout time.Duration
	dialRetry      reliability.RetryPolicy
	callTimeout    time.Duration
	replyQueue     string
	prefetch       int
	failurePolicy  messaging.FailurePolicy
	requeuePolicy  reliability.RetryPolicy
}

func newConfig(options []Option) *config {
	cfg := &config{
		logger:        slog.Default(),
		metrics:       messaging.NoOpMetrics{},
		prefetch:      1,
		failurePolicy: messaging.FailureLeaveUnacked,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// setupContext bounds channel setup by the connect timeout when one is set
func (c *config) setupContext() (context.Context, context.CancelFunc) {
	if c.connectTimeout > 0 {
		return context.WithTimeout(context.Background(), c.connectTimeout)
	}
	return context.WithCancel(context.Background())
}

// Option configures a Client or Worker
type Option func(*config)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() Option {
	return func(cfg *config) {
		cfg.logger = slog.Default()
	}
}

// WithMetrics sets the recorder for send, call and delivery measurements
func WithMetrics(metrics messaging.MetricsRecorder) Option {
	return func(cfg *config) {
		cfg.metrics = metrics
	}
}

// WithCredentials authenticates with username and password instead of the
// credentials in the connection string
func WithCredentials(username, password string) Option {
	return func(cfg *config) {
		cfg.username = username
		cfg.password = password
	}
}

// WithHeartbeat sets the connection heartbeat interval
func WithHeartbeat(interval time.Duration) Option {
	return func(cfg *config) {
		cfg.heartbeat = interval
	}
}

// WithConnectTimeout bounds connecting and channel setup
func WithConnectTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.connectTimeout = timeout
	}
}

// WithDialRetry retries failed connection attempts according to policy
func WithDialRetry(policy reliability.RetryPolicy) Option {
	return func(cfg *config) {
		cfg.dialRetry = policy
	}
}

// WithCallTimeout bounds each Call. Zero waits until the caller's context
// ends.
func WithCallTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.callTimeout = timeout
	}
}

// WithReplyQueue names the client's exclusive reply queue instead of letting
// the broker generate one
func WithReplyQueue(name string) Option {
	return func(cfg *config) {
		cfg.replyQueue = name
	}
}

// WithPrefetch sets the channel prefetch count
func WithPrefetch(count int) Option {
	return func(cfg *config) {
		cfg.prefetch = count
	}
}

// WithFailurePolicy sets how a worker settles deliveries whose handler failed
func WithFailurePolicy(policy messaging.FailurePolicy) Option {
	return func(cfg *config) {
		cfg.failurePolicy = policy
	}
}

// WithRequeuePolicy sets the delay and attempt limit used by FailureRequeue
func WithRequeuePolicy(policy reliability.RetryPolicy) Option {
	return func(cfg *config) {
		cfg.requeuePolicy = policy
	}
}
