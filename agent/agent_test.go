package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/errors"
	"github.com/m4xw311/alang/llm"
	"github.com/m4xw311/alang/session"
	"github.com/m4xw311/alang/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// opencensus, pulled in by the Gemini SDK, starts its worker in init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type stubGenerator struct {
	mu       sync.Mutex
	reply    func(message string) string
	messages []string
	history  [][]llm.Turn
}

func (g *stubGenerator) Generate(ctx context.Context, message string, history []llm.Turn) string {
	g.mu.Lock()
	g.messages = append(g.messages, message)
	g.history = append(g.history, history)
	reply := g.reply
	g.mu.Unlock()
	if reply == nil {
		return "hi"
	}
	return reply(message)
}

type recordingListener struct {
	mu      sync.Mutex
	states  []State
	msgs    []session.Message
	execs   []session.ToolExecution
	cleared []int64
	notices []string
	errs    []error
}

func (l *recordingListener) OnStateChange(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *recordingListener) OnMessage(m session.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, m)
}

func (l *recordingListener) OnToolExecution(e session.ToolExecution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.execs = append(l.execs, e)
}

func (l *recordingListener) OnCleared(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleared = append(l.cleared, id)
}

func (l *recordingListener) OnNotice(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, text)
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

type fixture struct {
	agent    *Agent
	store    *session.Store
	gen      *stubGenerator
	listener *recordingListener
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := session.Open(ctx, filepath.Join(t.TempDir(), "alang.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, gen: &stubGenerator{}, listener: &recordingListener{}}
	opts.Listener = f.listener
	f.agent, err = New(ctx, store, f.gen, tools.NewToolRegistry(config.Default(), nil), opts)
	require.NoError(t, err)
	return f
}

type roleContent struct {
	Role    session.Role
	Content string
}

func (f *fixture) conversation(t *testing.T) []roleContent {
	t.Helper()
	msgs, err := f.agent.History(context.Background())
	require.NoError(t, err)
	out := []roleContent{}
	for _, m := range msgs {
		out = append(out, roleContent{m.Role, m.Content})
	}
	return out
}

func TestChatTurnPersistsExchange(t *testing.T) {
	f := newFixture(t, Options{})

	require.True(t, f.agent.Submit("hello"))
	f.agent.Wait()

	want := []roleContent{{session.RoleUser, "hello"}, {session.RoleAssistant, "hi"}}
	if diff := cmp.Diff(want, f.conversation(t)); diff != "" {
		t.Errorf("conversation mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []State{StateAwaitingResponse, StateIdle}, f.listener.states)
	assert.Equal(t, StateIdle, f.agent.State())
	assert.Len(t, f.listener.msgs, 2)
	assert.Empty(t, f.listener.errs)

	sess, err := f.store.GetSession(context.Background(), f.agent.SessionID())
	require.NoError(t, err)
	assert.Equal(t, session.DefaultName, sess.Name)
}

func TestBlankInputIsIgnored(t *testing.T) {
	f := newFixture(t, Options{})

	assert.False(t, f.agent.Submit(""))
	assert.False(t, f.agent.Submit("   \n\t"))
	f.agent.Wait()

	assert.Empty(t, f.conversation(t))
	assert.Empty(t, f.listener.states)
	assert.Empty(t, f.gen.messages)
}

func TestInputQueuedWhileAwaitingResponse(t *testing.T) {
	f := newFixture(t, Options{})
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	f.gen.reply = func(message string) string {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		started <- struct{}{}
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "re: " + message
	}

	f.agent.Submit("one")
	<-started
	assert.Equal(t, StateAwaitingResponse, f.agent.State())
	f.agent.Submit("two")
	close(release)
	f.agent.Wait()

	assert.Equal(t, 1, maxSeen, "only one turn may be outstanding")
	assert.Equal(t, []roleContent{
		{session.RoleUser, "one"},
		{session.RoleAssistant, "re: one"},
		{session.RoleUser, "two"},
		{session.RoleAssistant, "re: two"},
	}, f.conversation(t))
	// The second turn sees the completed first exchange as history.
	assert.Equal(t, []llm.Turn{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "re: one"},
	}, f.gen.history[1])
}

func TestErrorResponseStoredAsSystem(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.reply = func(string) string { return "Error: quota exceeded" }

	f.agent.Submit("hello")
	f.agent.Submit("again")
	f.agent.Wait()

	assert.Equal(t, []roleContent{
		{session.RoleUser, "hello"},
		{session.RoleSystem, "Error: quota exceeded"},
		{session.RoleUser, "again"},
		{session.RoleSystem, "Error: quota exceeded"},
	}, f.conversation(t))
	// System messages are not sent back as context.
	assert.Equal(t, []llm.Turn{{Role: "user", Content: "hello"}}, f.gen.history[1])
}

func TestHistoryLimit(t *testing.T) {
	f := newFixture(t, Options{HistoryLimit: 2})
	for _, in := range []string{"a", "b", "c"} {
		f.agent.Submit(in)
	}
	f.agent.Wait()

	require.Len(t, f.gen.history, 3)
	assert.Equal(t, []llm.Turn{
		{Role: "user", Content: "b"},
		{Role: "assistant", Content: "hi"},
	}, f.gen.history[2])
}

func TestToolTurnRecordsExecution(t *testing.T) {
	t.Chdir(t.TempDir())
	f := newFixture(t, Options{})

	f.agent.Submit("/read missing.txt")
	f.agent.Wait()

	assert.Empty(t, f.gen.messages, "tool turns do not call the model")
	assert.Equal(t, []roleContent{
		{session.RoleUser, "/read missing.txt"},
		{session.RoleSystem, "Error: File 'missing.txt' not found"},
	}, f.conversation(t))

	execs, err := f.store.GetToolExecutions(context.Background(), f.agent.SessionID(), 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "ReadFile", execs[0].ToolName)
	assert.False(t, execs[0].Success)
	assert.Equal(t, "File 'missing.txt' not found", execs[0].Result["error"])
	assert.Equal(t, map[string]any{"filename": "missing.txt"}, execs[0].Arguments)
	require.Len(t, f.listener.execs, 1)
	assert.Equal(t, []State{StateAwaitingResponse, StateIdle}, f.listener.states)
}

func TestGenericToolCommand(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, Options{})

	f.agent.Submit(`/tool WriteFile {"filename": "` + filepath.ToSlash(filepath.Join(dir, "out.txt")) + `", "content": "data"}`)
	f.agent.Submit("/tool ListDirectory directory=" + dir)
	f.agent.Wait()

	conv := f.conversation(t)
	require.Len(t, conv, 4)
	assert.Contains(t, conv[1].Content, "Successfully wrote 4 bytes")
	assert.Contains(t, conv[3].Content, "out.txt (4 bytes)")
	assert.Empty(t, f.listener.errs)
}

func TestExecuteTool(t *testing.T) {
	t.Chdir(t.TempDir())
	f := newFixture(t, Options{})

	out, err := f.agent.ExecuteTool(context.Background(), "ReadFile", map[string]interface{}{"filename": "missing.txt"})
	require.NoError(t, err)
	assert.Equal(t, tools.Outcome{Success: false, Error: "File 'missing.txt' not found"}, out)

	out, err = f.agent.ExecuteTool(context.Background(), "Nope", nil)
	require.NoError(t, err)
	assert.Equal(t, "Tool 'Nope' not found", out.Error)

	execs, err := f.store.GetToolExecutions(context.Background(), f.agent.SessionID(), 0)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
	assert.Empty(t, f.conversation(t), "direct executions add no messages")
}

func TestClearStartsNewSession(t *testing.T) {
	f := newFixture(t, Options{})
	first := f.agent.SessionID()

	f.agent.Submit("hello")
	f.agent.Clear()
	f.agent.Submit("fresh start")
	f.agent.Wait()

	second := f.agent.SessionID()
	assert.NotEqual(t, first, second)
	assert.Equal(t, []int64{second}, f.listener.cleared)

	sess, err := f.store.GetSession(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, session.ClearedName, sess.Name)

	// The previous conversation stays in the store but is no longer context.
	assert.Empty(t, f.gen.history[1])
	assert.Equal(t, []roleContent{
		{session.RoleUser, "fresh start"},
		{session.RoleAssistant, "hi"},
	}, f.conversation(t))
	old, err := f.store.GetMessages(context.Background(), first, 0)
	require.NoError(t, err)
	assert.Len(t, old, 2)
}

func TestNewCommandAndNotices(t *testing.T) {
	f := newFixture(t, Options{})
	first := f.agent.SessionID()

	f.agent.Submit("/new refactor")
	f.agent.Submit("/help")
	f.agent.Submit("/tools")
	f.agent.Submit("/read")
	f.agent.Wait()

	assert.NotEqual(t, first, f.agent.SessionID())
	sess, err := f.store.GetSession(context.Background(), f.agent.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "refactor", sess.Name)

	require.Len(t, f.listener.notices, 4)
	assert.Contains(t, f.listener.notices[0], "refactor")
	assert.Contains(t, f.listener.notices[1], "/clear")
	assert.Contains(t, f.listener.notices[2], "- RunCommand:")
	assert.Equal(t, "Usage: /read <file>", f.listener.notices[3])
	assert.Empty(t, f.conversation(t), "commands and notices are not persisted")
	assert.Empty(t, f.listener.cleared)
}

func TestResume(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	other, err := f.store.CreateSession(ctx, "other")
	require.NoError(t, err)
	_, err = f.store.AppendMessage(ctx, other, session.RoleUser, "earlier")
	require.NoError(t, err)

	require.NoError(t, f.agent.Resume(ctx, other))
	assert.Equal(t, other, f.agent.SessionID())
	f.agent.Submit("later")
	f.agent.Wait()
	assert.Equal(t, []llm.Turn{{Role: "user", Content: "earlier"}}, f.gen.history[0])

	err = f.agent.Resume(ctx, 12345)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Equal(t, other, f.agent.SessionID())
}

func TestNewWithUnknownSession(t *testing.T) {
	store, err := session.Open(context.Background(), filepath.Join(t.TempDir(), "alang.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = New(context.Background(), store, &stubGenerator{}, tools.NewRegistry(nil), Options{SessionID: 99})
	assert.Error(t, err)
}

type failingStore struct {
	Store
}

func (failingStore) AppendMessage(ctx context.Context, sessionID int64, role session.Role, content string) (int64, error) {
	return 0, errors.New("disk full")
}

func TestPersistenceErrorAbortsTurn(t *testing.T) {
	f := newFixture(t, Options{})
	f.agent.store = failingStore{Store: f.store}

	f.agent.Submit("hello")
	f.agent.Wait()

	require.Len(t, f.listener.errs, 1)
	assert.Contains(t, f.listener.errs[0].Error(), "disk full")
	assert.Empty(t, f.gen.messages, "the model is not called when the user message cannot be stored")
	assert.Equal(t, StateIdle, f.agent.State())
}
