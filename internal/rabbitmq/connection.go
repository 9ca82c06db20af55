package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitrpc/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns one AMQP connection. It does not reconnect: the
// exclusive queues and consumers built on a connection die with it, so a lost
// connection is reported to listeners and left to the owner.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	username       string
	password       string
	heartbeat      time.Duration
	dialTimeout    time.Duration
	connectTimeout time.Duration
	dialRetry      reliability.RetryPolicy
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithCredentials sets PLAIN credentials, overriding any in the URL
func WithCredentials(username, password string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.username = username
		cm.password = password
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithDialTimeout bounds the TCP dial and AMQP handshake
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithConnectTimeout bounds Connect as a whole, retries included
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithDialRetry retries the initial dial according to policy. By default a
// failed dial is final.
func WithDialRetry(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialRetry = policy
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		heartbeat:      10 * time.Second,
		dialTimeout:    30 * time.Second,
		connectTimeout: 30 * time.Second,
		dialRetry:      reliability.NoRetry{},
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	var conn *amqp.Connection
	attempts, err := reliability.Retry(connCtx, cm.dialRetry, func() error {
		c, err := cm.dial(connCtx)
		if err != nil {
			cm.logger.Warn("dial failed", "url", SanitizeURL(cm.url), "error", err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if connCtx.Err() != nil && ctx.Err() == nil {
			err = ErrConnectionTimeout
		}
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"attempts", attempts)

	cm.notifyConnected()
	go cm.watchClose(cm.notifyClose)

	return nil
}

// dial opens one connection, giving up when ctx is done
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	cfg := amqp.Config{
		Heartbeat: cm.heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(cm.dialTimeout),
	}
	if cm.username != "" {
		cfg.SASL = []amqp.Authentication{&amqp.PlainAuth{
			Username: cm.username,
			Password: cm.password,
		}}
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, cfg)
		results <- result{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection. It is safe to call more than once.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}

	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}

	return nil
}

// watchClose reports a connection lost without Close being called
func (cm *ConnectionManager) watchClose(notify <-chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		if !ok || err == nil {
			return
		}

		cm.logger.Error("connection closed by broker", "error", err)

		cm.mu.Lock()
		cm.isConnected = false
		cm.mu.Unlock()

		cm.notifyDisconnected(err)

	case <-cm.done:
		cm.logger.Debug("connection manager shutting down")
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
