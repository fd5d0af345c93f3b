package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/m4xw311/alang/agent"
	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/llm"
	"github.com/m4xw311/alang/session"
	"github.com/m4xw311/alang/tools"
)

func TestMain(m *testing.M) {
	// opencensus, pulled in by the Gemini SDK, starts its worker in init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fixture struct {
	agent *agent.Agent
	store *session.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := session.Open(ctx, filepath.Join(t.TempDir(), "alang.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := llm.NewClient(&llm.MockBackend{}, nil)
	a, err := agent.New(ctx, store, client, tools.NewToolRegistry(config.Default(), nil), agent.Options{})
	require.NoError(t, err)
	return &fixture{agent: a, store: store}
}

// serve runs the server over the given request lines and returns every
// message it wrote.
func serve(t *testing.T, f *fixture, requests ...string) []map[string]any {
	t.Helper()
	in := strings.NewReader(strings.Join(requests, "\n") + "\n")
	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), f.agent, f.store, in, &out, nil))

	var msgs []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		msgs = append(msgs, m)
	}
	return msgs
}

func updates(msgs []map[string]any) []map[string]any {
	var out []map[string]any
	for _, m := range msgs {
		if m["method"] != "session/update" {
			continue
		}
		params := m["params"].(map[string]any)
		out = append(out, params["update"].(map[string]any))
	}
	return out
}

func responseFor(t *testing.T, msgs []map[string]any, id float64) map[string]any {
	t.Helper()
	for _, m := range msgs {
		if _, isNotification := m["method"]; isNotification {
			continue
		}
		if m["id"] == id {
			return m
		}
	}
	t.Fatalf("no response with id %v in %v", id, msgs)
	return nil
}

func chunkText(u map[string]any) string {
	content, _ := u["content"].(map[string]any)
	text, _ := content["text"].(string)
	return text
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)

	msgs := serve(t, f,
		`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":1,"clientCapabilities":{"fs":{"readTextFile":true}}}}`,
	)

	require.Len(t, msgs, 1)
	result := responseFor(t, msgs, 0)["result"].(map[string]any)
	assert.Equal(t, float64(1), result["protocolVersion"])
	caps := result["agentCapabilities"].(map[string]any)
	assert.Equal(t, true, caps["loadSession"])
}

func TestSessionNewAndPrompt(t *testing.T) {
	f := newFixture(t)

	msgs := serve(t, f,
		`{"jsonrpc":"2.0","id":1,"method":"session/new","params":{"cwd":"/tmp","mcpServers":[]}}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"2","prompt":[{"type":"text","text":"hello"}]}}`,
	)

	newResult := responseFor(t, msgs, 1)["result"].(map[string]any)
	assert.Equal(t, "2", newResult["sessionId"])

	ups := updates(msgs)
	require.Len(t, ups, 1)
	assert.Equal(t, "agent_message_chunk", ups[0]["sessionUpdate"])
	assert.Equal(t, "I am a mock LLM. You said: 'hello'", chunkText(ups[0]))

	promptResult := responseFor(t, msgs, 2)["result"].(map[string]any)
	assert.Equal(t, "end_turn", promptResult["stopReason"])

	stored, err := f.store.GetMessages(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "hello", stored[0].Content)
}

func TestPromptToolShortcutStreamsToolUpdates(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	msgs := serve(t, f,
		`{"jsonrpc":"2.0","id":1,"method":"session/prompt","params":{"sessionId":"1","prompt":[{"type":"text","text":"/ls `+filepath.ToSlash(dir)+`"}]}}`,
	)

	ups := updates(msgs)
	require.Len(t, ups, 2)
	assert.Equal(t, "tool_call", ups[0]["sessionUpdate"])
	call := ups[0]["toolCall"].(map[string]any)
	assert.Equal(t, "ListDirectory", call["name"])
	assert.Equal(t, "tool_result", ups[1]["sessionUpdate"])
	result := ups[1]["toolResult"].(map[string]any)
	assert.Equal(t, call["id"], result["toolCallId"])
	assert.Contains(t, result["result"], "a.txt (1 bytes)")
}

func TestPromptNoticeIsStreamed(t *testing.T) {
	f := newFixture(t)

	msgs := serve(t, f,
		`{"jsonrpc":"2.0","id":1,"method":"session/prompt","params":{"sessionId":"1","prompt":[{"type":"text","text":"/read"}]}}`,
	)

	ups := updates(msgs)
	require.Len(t, ups, 1)
	assert.Equal(t, "Usage: /read <file>", chunkText(ups[0]))
	assert.Equal(t, "end_turn", responseFor(t, msgs, 1)["result"].(map[string]any)["stopReason"])
}

func TestPromptRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	msgs := serve(t, f,
		`{"jsonrpc":"2.0","id":1,"method":"session/prompt","params":{"sessionId":"99","prompt":[{"type":"text","text":"hi"}]}}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"1","prompt":[{"type":"text","text":"   "}]}}`,
		`{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":"abc","prompt":[]}}`,
	)

	for _, id := range []float64{1, 2, 3} {
		errObj := responseFor(t, msgs, id)["error"].(map[string]any)
		assert.Equal(t, float64(codeInvalidParams), errObj["code"], "request %v", id)
	}
	assert.Empty(t, updates(msgs))
}

func TestSessionLoadReplaysHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.store.CreateSession(ctx, "earlier")
	require.NoError(t, err)
	_, err = f.store.AppendMessage(ctx, id, session.RoleUser, "question")
	require.NoError(t, err)
	_, err = f.store.AppendMessage(ctx, id, session.RoleAssistant, "answer")
	require.NoError(t, err)

	msgs := serve(t, f,
		`{"jsonrpc":"2.0","id":5,"method":"session/load","params":{"sessionId":"2","cwd":"/tmp","mcpServers":[]}}`,
	)

	ups := updates(msgs)
	require.Len(t, ups, 2)
	assert.Equal(t, "user_message_chunk", ups[0]["sessionUpdate"])
	assert.Equal(t, "question", chunkText(ups[0]))
	assert.Equal(t, "agent_message_chunk", ups[1]["sessionUpdate"])
	assert.Equal(t, "answer", chunkText(ups[1]))

	resp := responseFor(t, msgs, 5)
	assert.Contains(t, resp, "result")
	assert.Nil(t, resp["result"])
	assert.Equal(t, id, f.agent.SessionID())
}

func TestSessionLoadUnknown(t *testing.T) {
	f := newFixture(t)

	msgs := serve(t, f,
		`{"jsonrpc":"2.0","id":1,"method":"session/load","params":{"sessionId":"42"}}`,
	)

	errObj := responseFor(t, msgs, 1)["error"].(map[string]any)
	assert.Equal(t, float64(codeInvalidParams), errObj["code"])
	assert.Equal(t, int64(1), f.agent.SessionID())
}

func TestSessionListAndDelete(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateSession(context.Background(), "other")
	require.NoError(t, err)

	msgs := serve(t, f,
		`{"jsonrpc":"2.0","id":1,"method":"session/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/delete","params":{"sessionId":"1"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"session/delete","params":{"sessionId":"2"}}`,
	)

	list := responseFor(t, msgs, 1)["result"].(map[string]any)["sessions"].([]any)
	require.Len(t, list, 2)

	errObj := responseFor(t, msgs, 2)["error"].(map[string]any)
	assert.Equal(t, float64(codeInvalidParams), errObj["code"])

	deleted := responseFor(t, msgs, 3)["result"].(map[string]any)
	assert.Equal(t, true, deleted["deleted"])

	remaining, err := f.store.GetSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, int64(1), remaining[0].ID)
}

func TestToolExecute(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	msgs := serve(t, f,
		`{"jsonrpc":"2.0","id":1,"method":"tools/execute","params":{"name":"WriteFile","args":{"filename":"`+filepath.ToSlash(filepath.Join(dir, "out.txt"))+`","content":"hi"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/execute","params":{"name":"Nope"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/execute","params":{}}`,
	)

	ok := responseFor(t, msgs, 1)["result"].(map[string]any)
	assert.Equal(t, true, ok["success"])
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	missing := responseFor(t, msgs, 2)["result"].(map[string]any)
	assert.Equal(t, false, missing["success"])
	assert.Equal(t, "Tool 'Nope' not found", missing["error"])

	assert.Contains(t, responseFor(t, msgs, 3), "error")

	execs, err := f.store.GetToolExecutions(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
}

func TestProtocolErrors(t *testing.T) {
	f := newFixture(t)

	msgs := serve(t, f,
		`not json`,
		`{"jsonrpc":"2.0","id":7,"method":"session/cancel"}`,
	)

	require.Len(t, msgs, 2)
	parseErr := msgs[0]["error"].(map[string]any)
	assert.Equal(t, float64(codeParseError), parseErr["code"])
	assert.Nil(t, msgs[0]["id"])

	notFound := responseFor(t, msgs, 7)["error"].(map[string]any)
	assert.Equal(t, float64(codeMethodNotFound), notFound["code"])
}

func TestExtractUserText(t *testing.T) {
	dir := t.TempDir()
	testFile := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("This is test file content"), 0o644))
	fileURI := "file://" + filepath.ToSlash(testFile)

	tests := []struct {
		name     string
		blocks   []contentBlock
		expected string
		contains []string
	}{
		{
			name: "text only",
			blocks: []contentBlock{
				{Type: "text", Text: "Hello"},
				{Type: "text", Text: "  "},
				{Type: "text", Text: "World"},
			},
			expected: "Hello\nWorld",
		},
		{
			name: "resource_link with file",
			blocks: []contentBlock{
				{Type: "text", Text: "Check this file:"},
				{
					Type:        "resource_link",
					URI:         fileURI,
					Name:        "test.txt",
					MimeType:    "text/plain",
					Title:       "Test File",
					Description: "A test file",
				},
			},
			contains: []string{
				"Check this file:",
				"=== Resource: test.txt ===",
				"Title: Test File",
				"Description: A test file",
				"Type: text/plain",
				"--- File Contents ---",
				"This is test file content",
				"=== End Resource ===",
			},
		},
		{
			name: "resource_link with missing file",
			blocks: []contentBlock{
				{Type: "resource_link", URI: "file://" + filepath.ToSlash(filepath.Join(dir, "gone.txt")), Name: "gone.txt"},
			},
			contains: []string{"[Error reading file:"},
		},
		{
			name: "resource_link with non-file URI",
			blocks: []contentBlock{
				{Type: "resource_link", URI: "https://example.com/file.txt", Name: "remote.txt"},
			},
			contains: []string{
				"=== Resource: remote.txt ===",
				"URI: https://example.com/file.txt",
				"[External resource - content not available]",
			},
		},
		{
			name:     "unsupported blocks are skipped",
			blocks:   []contentBlock{{Type: "image"}, {Type: "text", Text: "only"}},
			expected: "only",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractUserText(tt.blocks)
			if tt.expected != "" {
				assert.Equal(t, tt.expected, result)
			}
			for _, substr := range tt.contains {
				assert.Contains(t, result, substr)
			}
		})
	}
}

func TestParseSessionID(t *testing.T) {
	id, err := parseSessionID("12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	for _, bad := range []string{"", "0", "-3", "sess_1"} {
		_, err := parseSessionID(bad)
		assert.Error(t, err, bad)
	}
}
