package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/rabbitrpc"
	"github.com/glimte/rabbitrpc/health"
	"github.com/glimte/rabbitrpc/interceptors"
	"github.com/glimte/rabbitrpc/messaging"
	"github.com/glimte/rabbitrpc/metrics"
	"github.com/spf13/cobra"
)

// readBody returns the body argument, or stdin when it is absent or "-"
func readBody(cmd *cobra.Command, args []string, idx int) ([]byte, error) {
	if len(args) > idx && args[idx] != "-" {
		return []byte(args[idx]), nil
	}
	body, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}

// interrupted reports whether err only says the command was asked to stop
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <queue> [body]",
		Short: "Publish a message to a queue without waiting for a reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, args, 1)
			if err != nil {
				return err
			}

			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.Send(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "sent %d bytes to %s\n", len(body), result.Queue)
			return nil
		},
	}
}

func newCallCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <queue> [body]",
		Short: "Send a request to a queue and print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, args, 1)
			if err != nil {
				return err
			}

			var extra []rabbitrpc.Option
			if cmd.Flags().Changed("timeout") {
				extra = append(extra, rabbitrpc.WithCallTimeout(timeout))
			}

			client, err := a.client(extra...)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			reply, err := client.Call(ctx, args[0], body)
			if err != nil {
				return err
			}

			fmt.Fprintln(a.stdout, string(reply))
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Give up waiting for the reply after this long (default from RABBITRPC_CALL_TIMEOUT)")

	return cmd
}

// handlers are the built-in handlers served by the serve command
var handlers = map[string]messaging.Handler{
	"echo": messaging.Named("echo", messaging.HandlerFunc(func(_ context.Context, body []byte) ([]byte, error) {
		return body, nil
	})),
	"upper": messaging.Named("upper", messaging.TextHandlerFunc(func(_ context.Context, body string) (string, error) {
		return strings.ToUpper(body), nil
	})),
}

func lookupHandler(name string) (messaging.Handler, error) {
	h, ok := handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown handler %q (available: echo, upper)", name)
	}
	return h, nil
}

func newServeCmd(a *app) *cobra.Command {
	var (
		handlerName string
		once        bool
		noReply     bool
		metricsAddr string
		limits      handlerLimits
	)

	cmd := &cobra.Command{
		Use:   "serve <queue>",
		Short: "Run a worker that answers requests on a queue",
		Long: `Run a worker on a queue with a built-in handler. By default every request is
answered on its reply-to queue until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handler, err := lookupHandler(handlerName)
			if err != nil {
				return err
			}
			handler = limits.wrap(a, handler)

			if metricsAddr == "" {
				metricsAddr = a.cfg.MetricsAddr
			}

			var extra []rabbitrpc.Option
			var collector *metrics.Collector
			if metricsAddr != "" {
				if collector, err = metrics.NewCollector(); err != nil {
					return err
				}
				extra = append(extra, rabbitrpc.WithMetrics(collector))
			}

			worker, err := a.worker(extra...)
			if err != nil {
				return err
			}
			defer worker.Close()

			var server *http.Server
			if metricsAddr != "" {
				registry := health.NewRegistry()
				registry.Register(health.NewConnectionChecker(worker.Connection()))
				registry.Register(health.NewQueueChecker(worker.Connection(), args[0], 0))
				server = serveHTTP(a, metricsAddr, collector, registry)
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			err = worker.Run(ctx, args[0], handler, messaging.Mode{Reply: !noReply, Once: once})

			if server != nil {
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				_ = server.Shutdown(shutdownCtx)
			}

			if interrupted(err) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&handlerName, "handler", "echo", "Handler to serve: echo or upper")
	cmd.Flags().BoolVar(&once, "once", false, "Stop after the first successfully handled request")
	cmd.Flags().BoolVar(&noReply, "no-reply", false, "Consume without publishing replies")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default from RABBITRPC_METRICS_ADDR)")
	cmd.Flags().DurationVar(&limits.timeout, "handler-timeout", 0, "Fail requests whose handler runs longer than this")
	cmd.Flags().Float64Var(&limits.rate, "rate-limit", 0, "Handle at most this many requests per second")
	cmd.Flags().IntVar(&limits.burst, "burst", 1, "Requests allowed above --rate-limit in a burst")
	cmd.Flags().BoolVar(&limits.breaker, "circuit-breaker", false, "Stop calling the handler while it keeps failing")

	return cmd
}

// handlerLimits are the serve flags that wrap the handler in interceptors
type handlerLimits struct {
	timeout time.Duration
	rate    float64
	burst   int
	breaker bool
}

func (l handlerLimits) wrap(a *app, handler messaging.Handler) messaging.Handler {
	b := interceptors.NewBuilder(a.logger).WithLogging()
	if l.rate > 0 {
		b.WithRateLimit(l.rate, l.burst)
	}
	if l.breaker {
		b.WithCircuitBreaker(interceptors.DefaultBreakerSettings(messaging.HandlerName(handler), a.logger))
	}
	if l.timeout > 0 {
		b.WithTimeout(l.timeout)
	}
	return b.Build().Then(handler)
}

// serveHTTP exposes /metrics and /healthz on addr until shut down
func serveHTTP(a *app, addr string, collector *metrics.Collector, registry *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics and health", "addr", addr)

	return server
}

func newConsumeCmd(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Print message bodies from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := a.worker()
			if err != nil {
				return err
			}
			defer worker.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			printer := messaging.Named("print", messaging.HandlerFunc(func(_ context.Context, body []byte) ([]byte, error) {
				fmt.Fprintln(a.stdout, string(body))
				return nil, nil
			}))

			if once {
				err = worker.ConsumeOnce(ctx, args[0], printer)
			} else {
				err = worker.ConsumeContinuous(ctx, args[0], printer)
			}
			if interrupted(err) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Stop after the first message")

	return cmd
}

func newDeclareCmd(a *app) *cobra.Command {
	declareCmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare queues and exchanges",
	}

	var (
		durable    bool
		autoDelete bool
		quorum     bool
	)
	queueCmd := &cobra.Command{
		Use:   "queue <name>",
		Short: "Declare a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			options := messaging.QueueOptions{
				Name:       args[0],
				Durable:    durable,
				AutoDelete: autoDelete,
			}
			if quorum {
				options.Args = map[string]interface{}{"x-queue-type": "quorum"}
			}

			info, err := client.DeclareQueue(cmd.Context(), options)
			if err != nil {
				return err
			}

			printQueues(a.stdout, []messaging.QueueInfo{info})
			return nil
		},
	}
	queueCmd.Flags().BoolVar(&durable, "durable", true, "Survive broker restarts")
	queueCmd.Flags().BoolVar(&autoDelete, "auto-delete", false, "Delete when the last consumer goes away")
	queueCmd.Flags().BoolVar(&quorum, "quorum", false, "Declare a quorum queue")

	var (
		kind            string
		exchangeDurable bool
	)
	exchangeCmd := &cobra.Command{
		Use:   "exchange <name>",
		Short: "Declare an exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			err = client.DeclareExchange(cmd.Context(), messaging.ExchangeOptions{
				Name:    args[0],
				Kind:    kind,
				Durable: exchangeDurable,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "exchange %s (%s) declared\n", args[0], kind)
			return nil
		},
	}
	exchangeCmd.Flags().StringVar(&kind, "kind", "direct", "Exchange type: direct, fanout, topic or headers")
	exchangeCmd.Flags().BoolVar(&exchangeDurable, "durable", true, "Survive broker restarts")

	declareCmd.AddCommand(queueCmd, exchangeCmd)
	return declareCmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <queue>",
		Short: "Delete a queue and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			purged, err := client.DeleteQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "queue %s deleted, %d messages purged\n", args[0], purged)
			return nil
		},
	}
}

func newInspectCmd(a *app) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "inspect <queue>...",
		Short: "Show message and consumer counts of queues",
		Long:  "Show message and consumer counts of existing queues. With --watch the counts are refreshed until interrupted.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if interval <= 0 {
				return inspectQueues(ctx, a.stdout, client, args)
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				if err := inspectQueues(ctx, a.stdout, client, args); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVarP(&interval, "watch", "w", 0, "Refresh interval; zero prints once")

	return cmd
}

// queueInspector is the part of the client inspect needs
type queueInspector interface {
	DeclareQueue(ctx context.Context, options messaging.QueueOptions) (messaging.QueueInfo, error)
}

func inspectQueues(ctx context.Context, w io.Writer, client queueInspector, names []string) error {
	infos := make([]messaging.QueueInfo, 0, len(names))
	for _, name := range names {
		info, err := client.DeclareQueue(ctx, messaging.QueueOptions{Name: name, Passive: true})
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}

	printQueues(w, infos)
	return nil
}
