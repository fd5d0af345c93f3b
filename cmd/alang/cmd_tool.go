package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m4xw311/alang/agent"
)

func newToolCmd(opts *options) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "tool <name> [key=value ...]",
		Short: "Run a single tool",
		Long: `Runs one tool and prints its outcome. Arguments are key=value pairs;
quote values that contain spaces.

With --session the execution is recorded against that session.

Example:
  alang tool ReadFile filename=main.go
  alang tool TextSearch text=Submit file_pattern='*.go'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				return runToolList(cmd, opts)
			}
			if len(args) == 0 {
				return cmd.Help()
			}
			return runTool(cmd, opts, args[0], args[1:])
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list available tools")
	return cmd
}

func runToolList(cmd *cobra.Command, opts *options) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	reg, servers := a.registry(ctx)
	defer servers.Close()
	fmt.Fprintln(cmd.OutOrStdout(), reg.Describe())
	return nil
}

func runTool(cmd *cobra.Command, opts *options, name string, words []string) error {
	toolArgs, err := agent.ParseToolArgs(words)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	reg, servers := a.registry(ctx)
	defer servers.Close()

	out := reg.Execute(ctx, name, toolArgs)
	a.logger.Info("tool run from command line", zap.String("tool", name), zap.Bool("success", out.Success))
	if opts.sessionID != 0 {
		if _, err := a.store.RecordToolExecution(ctx, opts.sessionID, name, toolArgs, out.Map(), out.Success); err != nil {
			return err
		}
	}

	if !out.Success {
		fmt.Fprintln(cmd.ErrOrStderr(), out.Text())
		return errToolFailed
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.Text())
	return nil
}
