// Command ws_bridge exposes a stdio program, by default "alang acp", over a
// WebSocket. Each connection gets its own subprocess: client messages are
// written to its stdin one per line, and every line the process prints is
// sent back as a JSON frame {"type": "stdout"|"stderr", "data": <line>}.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newRootCmd() *cobra.Command {
	var (
		addr  string
		path  string
		debug bool
	)
	cmd := &cobra.Command{
		Use:   "ws_bridge [-- command [args...]]",
		Short: "Serve a stdio program over WebSocket",
		Long: `Serves a stdio program over WebSocket, one process per connection.

Without a command, "alang acp" is started for each client.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := zap.NewProductionConfig()
			if debug {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			command := args
			if len(command) == 0 {
				command = []string{"alang", "acp"}
			}
			mux := http.NewServeMux()
			mux.Handle(path, newBridge(command, logger))

			logger.Info("WebSocket bridge listening",
				zap.String("url", fmt.Sprintf("ws://%s%s", displayAddr(addr), path)),
				zap.Strings("command", command))
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&path, "path", "/ws", "WebSocket endpoint path")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	return cmd
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
