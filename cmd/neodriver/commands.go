package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/acaloiaro/neodriver"
	"github.com/acaloiaro/neodriver/backends/mongo"
	"github.com/acaloiaro/neodriver/backends/postgres"
	"github.com/acaloiaro/neodriver/backends/sqlite"
	"github.com/acaloiaro/neodriver/config"
	"github.com/acaloiaro/neodriver/messages"
	"github.com/spf13/cobra"
)

var errAckUnsupported = errors.New("receipts of this backend cannot be acknowledged from another invocation")

type runner func(fn func(cmd *cobra.Command, args []string, nd neodriver.Driver) error) func(*cobra.Command, []string) error

func newPushCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "push <queue> <body>",
		Short: "Push a message onto a queue",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, args []string, nd neodriver.Driver) error {
			return nd.PushMessage(cmd.Context(), args[0], []byte(args[1]))
		}),
	}
}

func newPopCmd(run runner) *cobra.Command {
	var (
		timeout time.Duration
		ack     bool
	)

	cmd := &cobra.Command{
		Use:   "pop <queue>",
		Short: "Pop the next message from a queue and print its body and receipt",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, nd neodriver.Driver) error {
			ctx := cmd.Context()
			msg, err := nd.PopMessage(ctx, args[0], neodriver.WithTimeout(timeout))
			if err != nil {
				return err
			}

			if msg == nil {
				cmd.PrintErrln("no message")
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\n", msg.Body, msg.Receipt)

			if ack {
				return nd.AcknowledgeMessage(ctx, args[0], msg.Receipt)
			}

			return nil
		}),
	}

	cmd.Flags().DurationVar(&timeout, "timeout", config.DefaultPopTimeout, "how long to wait for a message; 0 checks once")
	cmd.Flags().BoolVar(&ack, "ack", false, "acknowledge the message after printing it")

	return cmd
}

func newAckCmd(run runner, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <queue> <receipt>",
		Short: "Acknowledge a message popped earlier",
		Long: `Acknowledge a message popped earlier, by the receipt pop printed.

Only receipts of backends that keep reservations outside the process (postgres, sqlite, sqs and mongo) can be
acknowledged from a later invocation.`,
		Args: cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, args []string, nd neodriver.Driver) error {
			receipt, err := parseReceipt(flags.backend, args[1])
			if err != nil {
				return err
			}

			return nd.AcknowledgeMessage(cmd.Context(), args[0], receipt)
		}),
	}
}

// parseReceipt converts a printed receipt back into the type the backend issued
func parseReceipt(backend, s string) (receipt messages.Receipt, err error) {
	switch backend {
	case "postgres":
		receipt, err = postgres.ParseReceipt(s)
	case "sqlite":
		receipt, err = sqlite.ParseReceipt(s)
	case "mongo":
		receipt, err = mongo.ParseReceipt(s)
	case "sqs":
		receipt = s
	default:
		return nil, fmt.Errorf("%w: %s", errAckUnsupported, backend)
	}

	if err != nil {
		return nil, fmt.Errorf("invalid %s receipt '%s': %w", backend, s, err)
	}

	return
}

func newPeekCmd(run runner) *cobra.Command {
	var offset, limit int

	cmd := &cobra.Command{
		Use:   "peek <queue>",
		Short: "Print waiting message bodies without popping them",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, nd neodriver.Driver) error {
			bodies, err := nd.PeekQueue(cmd.Context(), args[0], offset, limit)
			if err != nil {
				return err
			}

			for _, body := range bodies {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", body)
			}

			return nil
		}),
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "the number of messages to skip")
	cmd.Flags().IntVar(&limit, "limit", 0, "the number of messages to print (default: the driver's peek limit)")

	return cmd
}

func newCountCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "count <queue>",
		Short: "Print the number of messages waiting on a queue",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, nd neodriver.Driver) error {
			count, err := nd.CountMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), count)
			return nil
		}),
	}
}

func newCreateCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "create <queue>",
		Short: "Create a queue",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, nd neodriver.Driver) error {
			return nd.CreateQueue(cmd.Context(), args[0])
		}),
	}
}

func newRemoveCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <queue>",
		Short: "Remove a queue and all of its messages",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, nd neodriver.Driver) error {
			return nd.RemoveQueue(cmd.Context(), args[0])
		}),
	}
}

func newListCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queues",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, _ []string, nd neodriver.Driver) error {
			queues, err := nd.ListQueues(cmd.Context())
			if err != nil {
				return err
			}

			for _, q := range queues {
				fmt.Fprintln(cmd.OutOrStdout(), q)
			}

			return nil
		}),
	}
}

func newInfoCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print backend information as JSON",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, _ []string, nd neodriver.Driver) error {
			info, err := nd.Info(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}),
	}
}
