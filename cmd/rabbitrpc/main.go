package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/glimte/rabbitrpc"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	a := &app{
		newClient: func(url string, opts ...rabbitrpc.Option) (*rabbitrpc.Client, error) {
			return rabbitrpc.NewClient(url, opts...)
		},
		newWorker: func(url string, opts ...rabbitrpc.Option) (*rabbitrpc.Worker, error) {
			return rabbitrpc.NewWorker(url, opts...)
		},
	}

	if err := newRootCmd(a, os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the settings shared by every command
type app struct {
	url     string
	verbose bool

	cfg    rabbitrpc.Config
	logger *slog.Logger
	stdout io.Writer

	newClient func(url string, opts ...rabbitrpc.Option) (*rabbitrpc.Client, error)
	newWorker func(url string, opts ...rabbitrpc.Option) (*rabbitrpc.Worker, error)
}

func newRootCmd(a *app, stdout, stderr io.Writer) *cobra.Command {
	a.stdout = stdout

	rootCmd := &cobra.Command{
		Use:   "rabbitrpc",
		Short: "Send messages and run RPC workers over RabbitMQ",
		Long: `rabbitrpc publishes messages to RabbitMQ queues, performs request/reply calls
and runs workers that consume and answer them.

Connection and behaviour settings are read from RABBITRPC_ environment variables;
global flags override them.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.configure(stderr)
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVarP(&a.url, "url", "u", "", "RabbitMQ connection URL (default from RABBITRPC_URL or RABBITRPC_HOST etc.)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newSendCmd(a),
		newCallCmd(a),
		newServeCmd(a),
		newConsumeCmd(a),
		newDeclareCmd(a),
		newDeleteCmd(a),
		newInspectCmd(a),
	)

	return rootCmd
}

// configure loads environment configuration and applies the global flags
func (a *app) configure(stderr io.Writer) error {
	cfg, err := rabbitrpc.LoadConfig()
	if err != nil {
		return err
	}
	if a.url != "" {
		cfg.URL = a.url
	}
	if a.verbose {
		cfg.LogLevel = "debug"
	}

	logger, err := rabbitrpc.NewLogger(cfg, stderr)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) options(extra ...rabbitrpc.Option) ([]rabbitrpc.Option, error) {
	opts, err := a.cfg.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, rabbitrpc.WithLogger(a.logger))
	return append(opts, extra...), nil
}

func (a *app) client(extra ...rabbitrpc.Option) (*rabbitrpc.Client, error) {
	opts, err := a.options(extra...)
	if err != nil {
		return nil, err
	}
	client, err := a.newClient(a.cfg.BrokerURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

func (a *app) worker(extra ...rabbitrpc.Option) (*rabbitrpc.Worker, error) {
	opts, err := a.options(extra...)
	if err != nil {
		return nil, err
	}
	worker, err := a.newWorker(a.cfg.BrokerURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}
	return worker, nil
}
