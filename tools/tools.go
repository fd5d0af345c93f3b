package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/logging"
	"go.uber.org/zap"
)

// Tool defines the interface for any local operation the assistant can run.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]interface{}) Outcome
}

// Outcome is the result of a tool execution. Exactly one of Result and
// Error is set: Success implies Result, failure implies Error.
type Outcome struct {
	Success bool           `json:"success"`
	Result  any            `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Ok builds a successful outcome.
func Ok(result any) Outcome {
	return Outcome{Success: true, Result: result}
}

// Fail builds a failed outcome with a formatted error message.
func Fail(format string, a ...interface{}) Outcome {
	return Outcome{Success: false, Error: fmt.Sprintf(format, a...)}
}

// With returns a copy of o carrying an extra metadata entry.
func (o Outcome) With(key string, value any) Outcome {
	meta := make(map[string]any, len(o.Meta)+1)
	for k, v := range o.Meta {
		meta[k] = v
	}
	meta[key] = value
	o.Meta = meta
	return o
}

// Map flattens the outcome for persistence.
func (o Outcome) Map() map[string]any {
	m := map[string]any{"success": o.Success}
	if o.Success {
		m["result"] = o.Result
	} else {
		m["error"] = o.Error
	}
	for k, v := range o.Meta {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return m
}

// Text renders the outcome for display.
func (o Outcome) Text() string {
	if !o.Success {
		return "Error: " + o.Error
	}
	switch r := o.Result.(type) {
	case nil:
		return ""
	case string:
		return r
	default:
		return fmt.Sprintf("%v", r)
	}
}

// ToolRegistry holds all available tools. Registration order is preserved for
// listing.
type ToolRegistry struct {
	tools  map[string]Tool
	order  []string
	logger *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *ToolRegistry {
	return &ToolRegistry{
		tools:  make(map[string]Tool),
		logger: logging.OrNop(logger),
	}
}

// NewToolRegistry returns a registry holding the built-in tools configured
// from cfg.
func NewToolRegistry(cfg *config.Config, logger *zap.Logger) *ToolRegistry {
	r := NewRegistry(logger)
	p := newPolicy(cfg.FilesystemAccess, cfg.AllowedCommands, r.logger)

	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = config.DefaultCommandTimeout
	}

	// Register default tools
	r.Register(&ReadFileTool{policy: p})
	r.Register(&WriteFileTool{policy: p})
	r.Register(&ListDirectoryTool{policy: p})
	r.Register(&GlobSearchTool{policy: p})
	r.Register(&TextSearchTool{policy: p})
	r.Register(&RunCommandTool{policy: p, Timeout: timeout})
	return r
}

// Register inserts t under its name. A later registration with the same name
// replaces the earlier one.
func (r *ToolRegistry) Register(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("tool registration replaced", zap.String("tool", name))
	} else {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tools in registration order.
func (r *ToolRegistry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Execute runs the named tool. An unknown name yields a failed outcome rather
// than an error, and a panicking tool is reported the same way.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) (out Outcome) {
	t, ok := r.GetTool(name)
	if !ok {
		r.logger.Debug("tool not found", zap.String("tool", name))
		return Fail("Tool '%s' not found", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			out = Fail("Tool '%s' failed: %v", name, p)
		}
		r.logger.Debug("tool executed",
			zap.String("tool", name),
			zap.Bool("success", out.Success),
			zap.Duration("duration", time.Since(start)))
	}()
	return t.Execute(ctx, args)
}

// Describe renders a short help listing of the registered tools, sorted by
// name.
func (r *ToolRegistry) Describe() string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		t := r.tools[name]
		fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
	}
	return strings.TrimRight(b.String(), "\n")
}
