// Package agent provides the session orchestrator shared by every
// presentation layer of alang.
//
// An Agent owns the active session, the tool registry and the generation
// client. Submitted input is processed on a single worker goroutine: a turn
// persists the user message, moves the agent to StateAwaitingResponse, runs
// either the model or a tool, persists the outcome and returns to
// StateIdle. Input submitted while a turn is outstanding is queued and
// processed in order once the agent is idle again.
//
// # Commands
//
// Lines starting with a known slash command are handled locally:
//
//	/clear                 start a fresh session and wipe the display
//	/new [name]            start a new session, keeping the display
//	/tool <Name> <args>    run any registered tool (JSON object or key=value)
//	/read, /write, /ls, /glob, /grep, /run
//	                       shortcuts for the built-in tools
//	/tools, /help          informational notices, not persisted
//
// A tool turn records a ToolExecution and a system message carrying the
// rendered outcome in place of the model reply. A generation failure is
// stored as a system message as well.
//
// # Notifications
//
// Presentation layers observe the agent through a Listener:
//
//	a, err := agent.New(ctx, store, client, registry, agent.Options{
//	    HistoryLimit: cfg.HistoryLimit,
//	    Listener:     myListener,
//	    Logger:       logger,
//	})
//	a.Submit("hello")
//	a.Wait()
//
// # Subpackages
//
// agent/terminal: the interactive bubbletea interface.
//
// agent/acp: the Agent Client Protocol server over stdio for IDE integration.
package agent
