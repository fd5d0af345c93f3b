package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/m4xw311/alang/agent/acp"
	"github.com/m4xw311/alang/agent/terminal"
)

// runChat starts the interactive interface, sending initialPrompt first when
// it is not empty.
func runChat(ctx context.Context, opts *options, initialPrompt string) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ag, cleanup, err := a.startAgent(ctx, opts.sessionID)
	if err != nil {
		return err
	}
	defer cleanup()
	return terminal.Run(ctx, ag, initialPrompt)
}

func newACPCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "acp",
		Short: "Serve the Agent Client Protocol over stdio",
		Long: `Runs alang as an Agent Client Protocol server for editor integration.

Requests and responses are newline-delimited JSON-RPC 2.0 messages on
stdin and stdout. Logs go to the log file in the data directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ag, cleanup, err := a.startAgent(ctx, opts.sessionID)
			if err != nil {
				return err
			}
			defer cleanup()
			return acp.Run(ctx, ag, a.store, cmd.InOrStdin(), cmd.OutOrStdout(), a.logger)
		},
	}
}
