package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/alang/errors"
	"github.com/m4xw311/alang/llm"
	"github.com/m4xw311/alang/logging"
	"github.com/m4xw311/alang/session"
	"github.com/m4xw311/alang/tools"
	"go.uber.org/zap"
)

// State is the orchestrator's turn state.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting_response"
	}
	return "unknown"
}

// Store is the persistence the agent needs. *session.Store implements it.
type Store interface {
	CreateSession(ctx context.Context, name string) (int64, error)
	GetSession(ctx context.Context, id int64) (*session.Session, error)
	AppendMessage(ctx context.Context, sessionID int64, role session.Role, content string) (int64, error)
	GetMessages(ctx context.Context, sessionID int64, limit int) ([]session.Message, error)
	RecordToolExecution(ctx context.Context, sessionID int64, toolName string, args, result map[string]any, success bool) (int64, error)
}

// Generator produces a reply for message given the prior conversation. It
// reports failures inside the reply text. *llm.Client implements it.
type Generator interface {
	Generate(ctx context.Context, message string, history []llm.Turn) string
}

// ToolRunner executes tools by name. *tools.ToolRegistry implements it.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) tools.Outcome
	Describe() string
}

// Options configures an Agent.
type Options struct {
	// SessionID resumes an existing session; zero starts a new one.
	SessionID int64
	// HistoryLimit caps the stored messages sent as context; zero sends all.
	HistoryLimit int
	Listener     Listener
	Logger       *zap.Logger
}

// Agent is the session orchestrator. Input is processed one item at a time
// on a single worker goroutine; input submitted while a turn is outstanding
// is queued.
type Agent struct {
	ctx          context.Context
	store        Store
	gen          Generator
	tools        ToolRunner
	historyLimit int
	logger       *zap.Logger

	mu        sync.Mutex
	idle      *sync.Cond
	listener  Listener
	state     State
	sessionID int64
	queue     []string
	running   bool
}

// New creates an agent bound to ctx. It starts a session named
// session.DefaultName unless opts.SessionID selects an existing one.
func New(ctx context.Context, store Store, gen Generator, runner ToolRunner, opts Options) (*Agent, error) {
	a := &Agent{
		ctx:          ctx,
		store:        store,
		gen:          gen,
		tools:        runner,
		historyLimit: opts.HistoryLimit,
		logger:       logging.OrNop(opts.Logger),
		listener:     opts.Listener,
	}
	if a.listener == nil {
		a.listener = NopListener{}
	}
	a.idle = sync.NewCond(&a.mu)

	if opts.SessionID != 0 {
		if err := a.Resume(ctx, opts.SessionID); err != nil {
			return nil, err
		}
		return a, nil
	}
	id, err := store.CreateSession(ctx, session.DefaultName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start session")
	}
	a.sessionID = id
	return a, nil
}

// SetListener replaces the listener. It is meant to be called before input is
// submitted, once the presentation layer exists.
func (a *Agent) SetListener(l Listener) {
	if l == nil {
		l = NopListener{}
	}
	a.mu.Lock()
	a.listener = l
	a.mu.Unlock()
}

func (a *Agent) SessionID() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Submit queues input for processing. Blank input is ignored and reported as
// false.
func (a *Agent) Submit(input string) bool {
	input = strings.TrimSpace(input)
	if input == "" {
		return false
	}
	a.mu.Lock()
	a.queue = append(a.queue, input)
	start := !a.running
	a.running = true
	a.mu.Unlock()

	if start {
		go a.work()
	}
	return true
}

// Clear queues a /clear: the current session is left behind and a new one
// named session.ClearedName becomes active.
func (a *Agent) Clear() {
	a.Submit(cmdClear)
}

// Wait blocks until every submitted input has been processed.
func (a *Agent) Wait() {
	a.mu.Lock()
	for a.running {
		a.idle.Wait()
	}
	a.mu.Unlock()
}

// Resume makes an existing session the active one.
func (a *Agent) Resume(ctx context.Context, id int64) error {
	if _, err := a.store.GetSession(ctx, id); err != nil {
		return errors.Wrapf(err, "cannot resume session %d", id)
	}
	a.mu.Lock()
	a.sessionID = id
	a.mu.Unlock()
	a.logger.Info("session resumed", zap.Int64("session_id", id))
	return nil
}

// NewSession starts and activates a new session, returning its id.
func (a *Agent) NewSession(ctx context.Context, name string) (int64, error) {
	id, err := a.store.CreateSession(ctx, name)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.sessionID = id
	a.mu.Unlock()
	a.logger.Info("session started", zap.Int64("session_id", id), zap.String("name", name))
	return id, nil
}

// History returns every message of the active session, oldest first.
func (a *Agent) History(ctx context.Context) ([]session.Message, error) {
	return a.store.GetMessages(ctx, a.SessionID(), 0)
}

// ExecuteTool runs a tool synchronously and records the execution against
// the active session. The outcome is returned even when recording fails.
func (a *Agent) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (tools.Outcome, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	out := a.tools.Execute(ctx, name, args)
	_, err := a.recordTool(ctx, a.SessionID(), name, args, out)
	return out, err
}

func (a *Agent) work() {
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.running = false
			a.idle.Broadcast()
			a.mu.Unlock()
			return
		}
		input := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		a.process(input)
	}
}

func (a *Agent) process(input string) {
	turn := uuid.NewString()
	sid := a.SessionID()
	log := a.logger.With(zap.String("turn", turn), zap.Int64("session_id", sid))
	start := time.Now()

	var err error
	switch c := parseInput(input); c.kind {
	case kindClear:
		err = a.clear(log)
	case kindNewSession:
		err = a.startSession(log, c.name)
	case kindNotice:
		a.notify().OnNotice(c.text(a))
	case kindTool:
		err = a.toolTurn(log, sid, input, c.tool, c.args)
	default:
		err = a.chatTurn(log, sid, input)
	}
	if err != nil {
		log.Error("turn failed", zap.Error(err))
		a.notify().OnError(err)
	}
	a.setState(StateIdle)
	log.Debug("turn finished", zap.Duration("duration", time.Since(start)))
}

func (a *Agent) chatTurn(log *zap.Logger, sid int64, input string) error {
	history, err := a.history(sid)
	if err != nil {
		return err
	}
	if err := a.appendMessage(sid, session.RoleUser, input); err != nil {
		return err
	}
	a.setState(StateAwaitingResponse)

	reply := a.gen.Generate(a.ctx, input, history)
	role := session.RoleAssistant
	if llm.IsErrorResponse(reply) {
		log.Warn("generation returned an error", zap.String("reply", reply))
		role = session.RoleSystem
	}
	return a.appendMessage(sid, role, reply)
}

func (a *Agent) toolTurn(log *zap.Logger, sid int64, input, name string, args map[string]interface{}) error {
	if err := a.appendMessage(sid, session.RoleUser, input); err != nil {
		return err
	}
	a.setState(StateAwaitingResponse)

	out := a.tools.Execute(a.ctx, name, args)
	log.Info("tool executed", zap.String("tool", name), zap.Bool("success", out.Success))
	if _, err := a.recordTool(a.ctx, sid, name, args, out); err != nil {
		return err
	}
	return a.appendMessage(sid, session.RoleSystem, out.Text())
}

func (a *Agent) recordTool(ctx context.Context, sid int64, name string, args map[string]interface{}, out tools.Outcome) (session.ToolExecution, error) {
	result := out.Map()
	id, err := a.store.RecordToolExecution(ctx, sid, name, args, result, out.Success)
	if err != nil {
		return session.ToolExecution{}, err
	}
	exec := session.ToolExecution{
		ID:        id,
		SessionID: sid,
		ToolName:  name,
		Arguments: args,
		Result:    result,
		Success:   out.Success,
		Timestamp: time.Now(),
	}
	a.notify().OnToolExecution(exec)
	return exec, nil
}

func (a *Agent) clear(log *zap.Logger) error {
	id, err := a.NewSession(a.ctx, session.ClearedName)
	if err != nil {
		return err
	}
	log.Info("conversation cleared", zap.Int64("new_session_id", id))
	a.notify().OnCleared(id)
	return nil
}

func (a *Agent) startSession(log *zap.Logger, name string) error {
	if name == "" {
		name = session.ClearedName
	}
	id, err := a.NewSession(a.ctx, name)
	if err != nil {
		return err
	}
	a.notify().OnNotice(formatNewSession(id, name))
	return nil
}

// history loads the conversation context for sid. System messages are left
// out.
func (a *Agent) history(sid int64) ([]llm.Turn, error) {
	msgs, err := a.store.GetMessages(a.ctx, sid, a.historyLimit)
	if err != nil {
		return nil, err
	}
	turns := make([]llm.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			continue
		}
		turns = append(turns, llm.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns, nil
}

func (a *Agent) appendMessage(sid int64, role session.Role, content string) error {
	id, err := a.store.AppendMessage(a.ctx, sid, role, content)
	if err != nil {
		return err
	}
	a.notify().OnMessage(session.Message{
		ID:        id,
		SessionID: sid,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	return nil
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	changed := a.state != s
	a.state = s
	l := a.listener
	a.mu.Unlock()
	if changed {
		l.OnStateChange(s)
	}
}

func (a *Agent) notify() Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener
}
