package tools

import (
	"context"
	"testing"

	"github.com/m4xw311/alang/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name   string
	result string
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub " + s.name }
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) Outcome {
	return Ok(s.result)
}

type panicTool struct{}

func (panicTool) Name() string        { return "Boom" }
func (panicTool) Description() string { return "panics" }
func (panicTool) Execute(ctx context.Context, args map[string]interface{}) Outcome {
	panic("kaboom")
}

func TestDefaultRegistryHasBuiltins(t *testing.T) {
	r := NewToolRegistry(config.Default(), nil)

	var names []string
	for _, tool := range r.List() {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"ReadFile", "WriteFile", "ListDirectory", "GlobSearch", "TextSearch", "RunCommand"}, names)
	assert.Contains(t, r.Describe(), "RunCommand: Executes a shell command with a 30s timeout")
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(nil)

	out := r.Execute(context.Background(), "Nope", nil)
	assert.False(t, out.Success)
	assert.Nil(t, out.Result)
	assert.Equal(t, "Tool 'Nope' not found", out.Error)
}

func TestRegisterLastWins(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&stubTool{name: "Echo", result: "first"})
	r.Register(&stubTool{name: "Other", result: "x"})
	r.Register(&stubTool{name: "Echo", result: "second"})

	out := r.Execute(context.Background(), "Echo", nil)
	require.True(t, out.Success)
	assert.Equal(t, "second", out.Result)
	assert.Empty(t, out.Error)
	assert.Len(t, r.List(), 2)
	assert.Equal(t, "- Echo: stub Echo\n- Other: stub Other", r.Describe())
}

func TestExecuteRecoversPanics(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(panicTool{})

	out := r.Execute(context.Background(), "Boom", nil)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "kaboom")
}

func TestOutcomeMapAndText(t *testing.T) {
	ok := Ok("done").With("size", 4)
	assert.Equal(t, map[string]any{"success": true, "result": "done", "size": 4}, ok.Map())
	assert.Equal(t, "done", ok.Text())

	failed := Fail("File '%s' not found", "x")
	assert.Equal(t, map[string]any{"success": false, "error": "File 'x' not found"}, failed.Map())
	assert.Equal(t, "Error: File 'x' not found", failed.Text())

	// With must not alias the receiver's metadata.
	base := Ok("a").With("k", 1)
	_ = base.With("k", 2)
	assert.Equal(t, 1, base.Meta["k"])
}

func TestPolicy(t *testing.T) {
	p := newPolicy(config.FilesystemAccess{
		Hidden:   []string{".secrets/**"},
		ReadOnly: []string{"vendor/**"},
	}, []string{"^go (test|vet)", "("}, nil)

	denied, ok := p.checkRead(".secrets/key")
	assert.False(t, ok)
	assert.Equal(t, "access denied: path '.secrets/key' is hidden", denied.Error)
	_, ok = p.checkRead("main.go")
	assert.True(t, ok)
	denied, ok = p.checkWrite("vendor/x.go")
	assert.False(t, ok)
	assert.Equal(t, "access denied: path 'vendor/x.go' is read-only", denied.Error)
	_, ok = p.checkRead("vendor/x.go")
	assert.True(t, ok)

	_, ok = p.checkCommand("go test ./...")
	assert.True(t, ok)
	_, ok = p.checkCommand("(")
	assert.True(t, ok, "invalid regex falls back to literal match")
	denied, ok = p.checkCommand("rm -rf /")
	assert.False(t, ok)
	assert.Equal(t, "command 'rm -rf /' is not in the list of allowed commands", denied.Error)

	open := newPolicy(config.FilesystemAccess{}, nil, nil)
	_, ok = open.checkCommand("anything goes")
	assert.True(t, ok)
}
