package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/m4xw311/alang/agent"
	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/llm"
	"github.com/m4xw311/alang/logging"
	"github.com/m4xw311/alang/session"
	"github.com/m4xw311/alang/tools"
	"github.com/m4xw311/alang/tools/mcp"
)

// app is the state every command starts from: configuration, the log file
// and the session database.
type app struct {
	cfg     *config.Config
	dataDir string
	logger  *zap.Logger
	store   *session.Store
}

func openApp(ctx context.Context, opts *options) (*app, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.debug {
		cfg.Debug = true
	}
	dataDir, err := cfg.EnsureDataDirectory()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(dataDir, cfg.Debug)
	if err != nil {
		return nil, err
	}
	store, err := session.Open(ctx, config.DatabasePath(dataDir), logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	logger.Debug("application opened", zap.String("data_dir", dataDir), zap.String("llm", cfg.LLMClient))
	return &app{cfg: cfg, dataDir: dataDir, logger: logger, store: store}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing session store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// registry returns the built-in tools plus those of every reachable MCP
// server. Close the manager when done.
func (a *app) registry(ctx context.Context) (*tools.ToolRegistry, *mcp.Manager) {
	reg := tools.NewToolRegistry(a.cfg, a.logger)
	return reg, mcp.Start(ctx, a.cfg.MCPServers, reg, a.logger)
}

// startAgent validates the configuration and builds the orchestrator.
// sessionID selects a session to resume; zero starts a new one.
func (a *app) startAgent(ctx context.Context, sessionID int64) (*agent.Agent, func(), error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, nil, err
	}
	reg, servers := a.registry(ctx)
	client, err := llm.New(ctx, a.cfg, a.logger)
	if err != nil {
		_ = servers.Close()
		return nil, nil, err
	}
	ag, err := agent.New(ctx, a.store, client, reg, agent.Options{
		SessionID:    sessionID,
		HistoryLimit: a.cfg.HistoryLimit,
		Logger:       a.logger,
	})
	if err != nil {
		_ = client.Close()
		_ = servers.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("closing llm client", zap.Error(err))
		}
		if err := servers.Close(); err != nil {
			a.logger.Warn("stopping MCP servers", zap.Error(err))
		}
	}
	return ag, cleanup, nil
}
