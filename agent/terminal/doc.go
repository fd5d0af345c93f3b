// Package terminal implements the interactive interface of alang.
//
// The interface is a bubbletea program with a scrolling conversation
// viewport, a multi-line input and a thinking indicator that is visible
// while the agent awaits a response. Assistant replies are rendered as
// markdown with glamour.
//
// The program never talks to a backend directly. Input is handed to the
// agent with Submit and everything shown afterwards arrives through a
// Listener, so the display always reflects what was persisted:
//
//	a, err := agent.New(ctx, store, client, registry, agent.Options{Logger: logger})
//	if err != nil {
//	    // handle error
//	}
//	err = terminal.Run(ctx, a, "")
//
// # Keys
//
//   - Enter or Ctrl+S: send the input
//   - Ctrl+L: clear the conversation and start a new session
//   - Esc: focus the input
//   - PgUp, PgDn or the mouse wheel: scroll the conversation
//   - Ctrl+C: quit
package terminal
