package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/acaloiaro/neodriver"
	"github.com/acaloiaro/neodriver/backends/amqp"
	"github.com/acaloiaro/neodriver/backends/memory"
	"github.com/acaloiaro/neodriver/backends/mongo"
	"github.com/acaloiaro/neodriver/backends/postgres"
	"github.com/acaloiaro/neodriver/backends/redis"
	"github.com/acaloiaro/neodriver/backends/sqlite"
	"github.com/acaloiaro/neodriver/backends/sqs"
	"github.com/acaloiaro/neodriver/config"
	"github.com/acaloiaro/neodriver/logging"
	"github.com/spf13/cobra"
)

var backends = map[string]config.BackendInitializer{
	"memory":   memory.Backend,
	"redis":    redis.Backend,
	"postgres": postgres.Backend,
	"sqlite":   sqlite.Backend,
	"sqs":      sqs.Backend,
	"amqp":     amqp.Backend,
	"mongo":    mongo.Backend,
}

var logLevels = map[string]logging.LogLevel{
	"debug": logging.LogLevelDebug,
	"info":  logging.LogLevelInfo,
	"error": logging.LogLevelError,
}

// globalFlags are the persistent flags shared by every subcommand
type globalFlags struct {
	backend  string
	dsn      string
	logLevel string
}

// connector opens a driver for the backend selected by the global flags
type connector func(ctx context.Context, flags globalFlags) (neodriver.Driver, error)

func connect(ctx context.Context, flags globalFlags) (nd neodriver.Driver, err error) {
	initializer, ok := backends[flags.backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend '%s', expected one of: %s", flags.backend, backendNames())
	}

	level, ok := logLevels[strings.ToLower(flags.logLevel)]
	if !ok {
		return nil, fmt.Errorf("unknown log level '%s', expected debug, info or error", flags.logLevel)
	}

	opts := []config.Option{
		neodriver.WithBackend(initializer),
		config.WithLogLevel(level),
	}

	if flags.dsn != "" {
		opts = append(opts, config.WithConnectionString(flags.dsn))
	}

	return neodriver.New(ctx, opts...)
}

func backendNames() string {
	return "memory, redis, postgres, sqlite, sqs, amqp, mongo"
}

func newRootCmd(open connector) *cobra.Command {
	flags := globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "neodriver",
		Short: "Push, pop, and inspect messages on neodriver queues",
		Long: `neodriver talks to a message queue backend through the neodriver Driver API.

The backend is selected with --backend and reached through --dsn, e.g.

  neodriver --backend redis --dsn localhost:6379 push greetings "hello, world"
  neodriver --backend postgres --dsn postgres://localhost:5432/neodriver pop greetings --ack`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.backend, "backend", "memory", "the backend to use: "+backendNames())
	rootCmd.PersistentFlags().StringVar(&flags.dsn, "dsn", "", "the backend connection string")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "error", "log level: debug, info or error")

	// withDriver runs fn with a driver that is shut down afterwards
	withDriver := func(fn func(cmd *cobra.Command, args []string, nd neodriver.Driver) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			nd, err := open(ctx, flags)
			if err != nil {
				return err
			}
			defer nd.Shutdown(ctx)

			return fn(cmd, args, nd)
		}
	}

	rootCmd.AddCommand(
		newPushCmd(withDriver),
		newPopCmd(withDriver),
		newAckCmd(withDriver, &flags),
		newPeekCmd(withDriver),
		newCountCmd(withDriver),
		newCreateCmd(withDriver),
		newRemoveCmd(withDriver),
		newListCmd(withDriver),
		newInfoCmd(withDriver),
	)

	return rootCmd
}
