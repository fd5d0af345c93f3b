package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/errors"
)

const displayTime = "2006-01-02 15:04:05"

func newSessionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored sessions",
		Long: `List and manage stored sessions.

Subcommands:
  list     - List sessions, most recently active first
  show     - Print the messages of a session
  rename   - Rename a session
  delete   - Delete a session with its messages and tool executions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, opts)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, opts)
		},
	}

	var limit int
	var showTools bool
	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, opts, args[0], limit, showTools)
		},
	}
	show.Flags().IntVarP(&limit, "limit", "n", 0, "show only the most recent n messages")
	show.Flags().BoolVar(&showTools, "tools", false, "also list tool executions")

	rename := &cobra.Command{
		Use:   "rename <session-id> <name>",
		Short: "Rename a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsRename(cmd, opts, args[0], strings.Join(args[1:], " "))
		},
	}

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsDelete(cmd, opts, args[0])
		},
	}

	cmd.AddCommand(list, show, rename, del)
	return cmd
}

func runSessionsList(cmd *cobra.Command, opts *options) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.store.GetSessions(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}
	fmt.Fprintf(out, "%-6s %-32s %s\n", "ID", "NAME", "UPDATED")
	for _, s := range sessions {
		fmt.Fprintf(out, "%-6d %-32s %s\n", s.ID, s.Name, s.UpdatedAt.Local().Format(displayTime))
	}
	fmt.Fprintf(out, "\nTotal: %d sessions\n", len(sessions))
	return nil
}

func runSessionsShow(cmd *cobra.Command, opts *options, rawID string, limit int, showTools bool) error {
	id, err := parseSessionArg(rawID)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	msgs, err := a.store.GetMessages(ctx, id, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %d: %s\n", sess.ID, sess.Name)
	fmt.Fprintln(out, strings.Repeat("─", 50))
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Local().Format(displayTime), m.Role, m.Content)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(out, "(no messages)")
	}

	if showTools {
		execs, err := a.store.GetToolExecutions(ctx, id, limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, strings.Repeat("─", 50))
		for _, e := range execs {
			status := "ok"
			if !e.Success {
				status = "failed"
			}
			fmt.Fprintf(out, "[%s] %s (%s) %v\n", e.Timestamp.Local().Format(displayTime), e.ToolName, status, e.Arguments)
		}
		fmt.Fprintf(out, "Tool executions: %d\n", len(execs))
	}
	return nil
}

func runSessionsRename(cmd *cobra.Command, opts *options, rawID, name string) error {
	id, err := parseSessionArg(rawID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("session name must not be empty")
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ok, err := a.store.RenameSession(ctx, id, name)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "session %d", id)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Renamed session %d to %q\n", id, name)
	return nil
}

func runSessionsDelete(cmd *cobra.Command, opts *options, rawID string) error {
	id, err := parseSessionArg(rawID)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ok, err := a.store.DeleteSession(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "session %d", id)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %d\n", id)
	return nil
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.store.GetStats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sessions:        %d\n", stats.SessionCount)
			fmt.Fprintf(out, "Messages:        %d\n", stats.MessageCount)
			fmt.Fprintf(out, "Tool executions: %d\n", stats.ToolExecutionCount)
			if stats.MostRecent != nil {
				fmt.Fprintf(out, "Most recent:     %s (%d)\n", stats.MostRecent.Name, stats.MostRecent.ID)
			}
			fmt.Fprintf(out, "Database:        %s\n", config.DatabasePath(a.dataDir))
			return nil
		},
	}
}

func parseSessionArg(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid session id %q", s)
	}
	return id, nil
}
