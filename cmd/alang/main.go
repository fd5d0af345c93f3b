// Command alang is a terminal coding assistant backed by a configurable LLM
// with persistent sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/m4xw311/alang/errors"
)

// errToolFailed reports a failed tool outcome that was already printed.
var errToolFailed = errors.New("tool execution failed")

// options holds the persistent flags shared by every command.
type options struct {
	configPath string
	debug      bool
	sessionID  int64
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "alang [prompt]",
		Short: "alang - a terminal coding assistant",
		Long: `alang is a terminal coding assistant backed by a configurable LLM.

Conversations are stored in a local SQLite database and can be resumed
with --session. Run without a subcommand to start the interactive chat;
any arguments are sent as the first message.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts, strings.Join(args, " "))
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to an additional config.yaml")
	flags.BoolVarP(&opts.debug, "debug", "d", false, "enable debug logging")
	flags.Int64VarP(&opts.sessionID, "session", "s", 0, "resume the session with this id")

	root.AddCommand(
		newSessionsCmd(opts),
		newStatsCmd(opts),
		newToolCmd(opts),
		newACPCmd(opts),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errToolFailed) {
			fmt.Fprintf(os.Stderr, "❌ Error: %v\n", err)
		}
		os.Exit(1)
	}
}
