package rabbitrpc

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/rabbitrpc/internal/reliability"
	"github.com/glimte/rabbitrpc/messaging"
	"github.com/kelseyhightower/envconfig"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EnvPrefix prefixes every environment variable read by LoadConfig
const EnvPrefix = "RABBITRPC"

// RetryPolicy decides whether and when a failed attempt is retried
type RetryPolicy = reliability.RetryPolicy

var (
	NewFixedDelay         = reliability.NewFixedDelay
	NewExponentialBackoff = reliability.NewExponentialBackoff
)

// Config is the environment configuration of clients, workers and the CLI.
// Field names map to RABBITRPC_ variables split on word boundaries, so
// CallTimeout is read from RABBITRPC_CALL_TIMEOUT.
type Config struct {
	// URL overrides the individual connection fields when set
	URL         string `split_words:"true"`
	Scheme      string `split_words:"true" default:"amqp"`
	Host        string `split_words:"true" default:"localhost"`
	Port        int    `split_words:"true" default:"5672"`
	Username    string `split_words:"true" default:"guest"`
	Password    string `split_words:"true" default:"guest"`
	VirtualHost string `split_words:"true" default:"/"`

	Heartbeat      time.Duration `split_words:"true" default:"10s"`
	ConnectTimeout time.Duration `split_words:"true" default:"30s"`
	ConnectRetries int           `split_words:"true" default:"0"`
	RetryDelay     time.Duration `split_words:"true" default:"1s"`

	CallTimeout    time.Duration `split_words:"true" default:"0s"`
	ReplyQueue     string        `split_words:"true"`
	Prefetch       int           `split_words:"true" default:"1"`
	FailurePolicy  string        `split_words:"true" default:"leave-unacked"`
	RequeueRetries int           `split_words:"true" default:"3"`

	LogLevel    string `split_words:"true" default:"info"`
	LogFormat   string `split_words:"true" default:"text"`
	MetricsAddr string `split_words:"true"`
}

// LoadConfig reads Config from the environment
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := messaging.ParseFailurePolicy(cfg.FailurePolicy); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// BrokerURL returns URL when set, otherwise the AMQP URI built from the
// connection fields
func (c Config) BrokerURL() string {
	if c.URL != "" {
		return c.URL
	}
	uri := amqp.URI{
		Scheme:   c.Scheme,
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VirtualHost,
	}
	return uri.String()
}

// Options converts the configuration into client and worker options
func (c Config) Options() ([]Option, error) {
	policy, err := messaging.ParseFailurePolicy(c.FailurePolicy)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithHeartbeat(c.Heartbeat),
		WithConnectTimeout(c.ConnectTimeout),
		WithCallTimeout(c.CallTimeout),
		WithPrefetch(c.Prefetch),
		WithFailurePolicy(policy),
		WithRequeuePolicy(reliability.NewFixedDelay(c.RetryDelay, c.RequeueRetries)),
	}
	if c.ReplyQueue != "" {
		opts = append(opts, WithReplyQueue(c.ReplyQueue))
	}
	if c.ConnectRetries > 0 {
		opts = append(opts, WithDialRetry(reliability.NewFixedDelay(c.RetryDelay, c.ConnectRetries)))
	}
	return opts, nil
}

// NewLogger builds a structured logger writing to w at the configured level
// and format
func NewLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
}
