package agent

import "github.com/m4xw311/alang/session"

// Listener receives the agent's notifications. Calls are made from the
// worker goroutine, so implementations must not block for long.
type Listener interface {
	OnStateChange(state State)
	OnMessage(msg session.Message)
	OnToolExecution(exec session.ToolExecution)
	// OnCleared reports that the display should be wiped and sessionID is
	// now active.
	OnCleared(sessionID int64)
	// OnNotice carries informational text that is not persisted.
	OnNotice(text string)
	OnError(err error)
}

// NopListener ignores every notification. Embed it to implement only some
// methods.
type NopListener struct{}

func (NopListener) OnStateChange(State)                   {}
func (NopListener) OnMessage(session.Message)             {}
func (NopListener) OnToolExecution(session.ToolExecution) {}
func (NopListener) OnCleared(int64)                       {}
func (NopListener) OnNotice(string)                       {}
func (NopListener) OnError(error)                         {}
