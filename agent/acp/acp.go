package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/alang/agent"
	"github.com/m4xw311/alang/errors"
	"github.com/m4xw311/alang/logging"
	"github.com/m4xw311/alang/session"
	"github.com/m4xw311/alang/tools"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

const maxResourceContent = 50000

// Orchestrator is the agent surface the server drives.
type Orchestrator interface {
	SessionID() int64
	SetListener(l agent.Listener)
	Submit(input string) bool
	Wait()
	Resume(ctx context.Context, id int64) error
	NewSession(ctx context.Context, name string) (int64, error)
	History(ctx context.Context) ([]session.Message, error)
	ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (tools.Outcome, error)
}

// Sessions is the part of the session store exposed to clients.
type Sessions interface {
	GetSessions(ctx context.Context) ([]session.Session, error)
	DeleteSession(ctx context.Context, id int64) (bool, error)
}

// Run serves the Agent Client Protocol over newline-delimited JSON-RPC 2.0
// until in is exhausted or ctx is done. Nothing but protocol messages is
// written to out.
//
// Supported methods: initialize, session/new, session/load, session/list,
// session/delete, session/prompt and tools/execute. Prompt progress is
// streamed as session/update notifications.
func Run(ctx context.Context, a Orchestrator, store Sessions, in io.Reader, out io.Writer, logger *zap.Logger) error {
	s := &acpServer{
		ctx:    ctx,
		agent:  a,
		store:  store,
		reader: bufio.NewReader(in),
		writer: bufio.NewWriter(out),
		logger: logging.OrNop(logger).Named("acp"),
	}
	s.listener = &promptListener{server: s}
	a.SetListener(s.listener)
	defer a.SetListener(nil)

	s.logger.Info("ACP server started")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		payload, err := s.readMessage()
		if err != nil {
			if err == io.EOF {
				s.logger.Info("ACP client closed the stream")
				return nil
			}
			return errors.Wrapf(err, "ACP read failed")
		}
		if len(payload) == 0 {
			continue
		}
		s.logger.Debug("request received", zap.ByteString("payload", payload))

		var req jsonrpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("malformed request", zap.Error(err))
			_ = s.writeResponseError(nil, codeParseError, "Parse error", nil)
			continue
		}
		s.dispatch(&req)
	}
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type jsonrpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type acpServer struct {
	ctx      context.Context
	agent    Orchestrator
	store    Sessions
	listener *promptListener

	reader    *bufio.Reader
	writer    *bufio.Writer
	writeLock sync.Mutex
	logger    *zap.Logger
}

func (s *acpServer) dispatch(req *jsonrpcRequest) {
	log := s.logger.With(zap.String("method", req.Method), zap.Any("id", req.ID))
	start := time.Now()
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "session/new":
		s.handleSessionNew(req)
	case "session/load":
		s.handleSessionLoad(req)
	case "session/list":
		s.handleSessionList(req)
	case "session/delete":
		s.handleSessionDelete(req)
	case "session/prompt":
		s.handleSessionPrompt(req)
	case "tools/execute":
		s.handleToolExecute(req)
	default:
		log.Warn("method not found")
		_ = s.writeResponseError(req.ID, codeMethodNotFound, "Method not found", nil)
		return
	}
	log.Debug("request handled", zap.Duration("duration", time.Since(start)))
}

func (s *acpServer) readMessage() ([]byte, error) {
	line, err := s.reader.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}

func (s *acpServer) writeJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	s.logger.Debug("message sent", zap.ByteString("payload", data))

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *acpServer) writeResponseOK(id any, result any) error {
	return s.writeJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *acpServer) writeResponseError(id any, code int, msg string, data any) error {
	s.logger.Warn("request failed", zap.Int("code", code), zap.String("message", msg), zap.Any("data", data))
	return s.writeJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

func (s *acpServer) writeNotification(method string, params any) error {
	return s.writeJSON(jsonrpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// decodeParams unmarshals req's params into v, answering the request with
// an error when they are unusable.
func (s *acpServer) decodeParams(req *jsonrpcRequest, v any) bool {
	if len(req.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return false
	}
	return true
}

// ---- Handlers ----

func (s *acpServer) handleInitialize(req *jsonrpcRequest) {
	var p struct {
		ProtocolVersion int             `json:"protocolVersion"`
		ClientCaps      json.RawMessage `json:"clientCapabilities,omitempty"`
	}
	if !s.decodeParams(req, &p) {
		return
	}
	s.logger.Info("client initialized", zap.Int("protocol_version", p.ProtocolVersion))

	_ = s.writeResponseOK(req.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

func (s *acpServer) handleSessionNew(req *jsonrpcRequest) {
	var p struct {
		Cwd  string `json:"cwd"`
		Name string `json:"name"`
	}
	if !s.decodeParams(req, &p) {
		return
	}
	s.agent.Wait()
	id, err := s.agent.NewSession(s.ctx, p.Name)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", err.Error())
		return
	}
	_ = s.writeResponseOK(req.ID, map[string]any{"sessionId": formatSessionID(id)})
}

// handleSessionLoad activates a stored session and replays its messages as
// session/update notifications before answering.
func (s *acpServer) handleSessionLoad(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if !s.decodeParams(req, &p) {
		return
	}
	id, err := parseSessionID(p.SessionID)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	s.agent.Wait()
	if err := s.agent.Resume(s.ctx, id); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", fmt.Sprintf("session not found: %v", err))
		return
	}
	history, err := s.agent.History(s.ctx)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", err.Error())
		return
	}

	s.logger.Info("replaying session", zap.Int64("session_id", id), zap.Int("messages", len(history)))
	for _, msg := range history {
		kind := "agent_message_chunk"
		if msg.Role == session.RoleUser {
			kind = "user_message_chunk"
		}
		_ = s.sendMessageChunk(p.SessionID, kind, msg.Content)
	}
	_ = s.writeResponseOK(req.ID, json.RawMessage("null"))
}

func (s *acpServer) handleSessionList(req *jsonrpcRequest) {
	sessions, err := s.store.GetSessions(s.ctx)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", err.Error())
		return
	}
	items := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, map[string]any{
			"sessionId": formatSessionID(sess.ID),
			"name":      sess.Name,
			"createdAt": sess.CreatedAt,
			"updatedAt": sess.UpdatedAt,
		})
	}
	_ = s.writeResponseOK(req.ID, map[string]any{"sessions": items})
}

func (s *acpServer) handleSessionDelete(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if !s.decodeParams(req, &p) {
		return
	}
	id, err := parseSessionID(p.SessionID)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	s.agent.Wait()
	if id == s.agent.SessionID() {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "cannot delete the active session")
		return
	}
	deleted, err := s.store.DeleteSession(s.ctx, id)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", err.Error())
		return
	}
	_ = s.writeResponseOK(req.ID, map[string]any{"deleted": deleted})
}

// contentBlock is a prompt content block. Only text and resource_link
// blocks contribute to the prompt.
type contentBlock struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// handleSessionPrompt runs one turn on the requested session. Messages
// produced by the turn are streamed as they are persisted; the response is
// sent once the agent is idle again.
func (s *acpServer) handleSessionPrompt(req *jsonrpcRequest) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if !s.decodeParams(req, &p) {
		return
	}
	id, err := parseSessionID(p.SessionID)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}

	s.agent.Wait()
	if id != s.agent.SessionID() {
		if err := s.agent.Resume(s.ctx, id); err != nil {
			_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
			return
		}
	}

	userText := extractUserText(p.Prompt)
	turnErr := s.listener.begin(p.SessionID)
	if !s.agent.Submit(userText) {
		s.listener.end()
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "empty prompt")
		return
	}
	s.agent.Wait()
	s.listener.end()

	if err := turnErr(); err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", err.Error())
		return
	}
	_ = s.writeResponseOK(req.ID, map[string]any{"stopReason": "end_turn"})
}

// handleToolExecute runs a tool directly against the active session.
func (s *acpServer) handleToolExecute(req *jsonrpcRequest) {
	var p struct {
		Name string                 `json:"name"`
		Args map[string]interface{} `json:"args"`
	}
	if !s.decodeParams(req, &p) {
		return
	}
	if p.Name == "" {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "tool name is required")
		return
	}
	s.agent.Wait()
	out, err := s.agent.ExecuteTool(s.ctx, p.Name, p.Args)
	if err != nil {
		s.logger.Error("tool execution not recorded", zap.String("tool", p.Name), zap.Error(err))
	}
	_ = s.writeResponseOK(req.ID, out)
}

// ---- Notifications ----

func (s *acpServer) sendMessageChunk(sessionID, kind, text string) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": kind,
			"content": map[string]any{
				"type": "text",
				"text": text,
			},
		},
	})
}

func (s *acpServer) sendAgentMessageChunk(sessionID, text string) error {
	return s.sendMessageChunk(sessionID, "agent_message_chunk", text)
}

func (s *acpServer) sendToolCallNotification(sessionID, callID string, exec session.ToolExecution) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call",
			"toolCall": map[string]any{
				"id":      callID,
				"name":    exec.ToolName,
				"args":    exec.Arguments,
				"success": exec.Success,
			},
		},
	})
}

func (s *acpServer) sendToolResultNotification(sessionID, callID, result string) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_result",
			"toolResult": map[string]any{
				"toolCallId": callID,
				"result":     result,
			},
		},
	})
}

// promptListener turns agent notifications into session/update
// notifications for the prompt in flight. Notifications outside a prompt
// are dropped.
type promptListener struct {
	agent.NopListener
	server *acpServer

	mu        sync.Mutex
	active    bool
	sessionID string
	pendingID string
	err       error
}

// begin starts forwarding for sessionID and returns a function reporting
// the first error the turn produced.
func (l *promptListener) begin(sessionID string) func() error {
	l.mu.Lock()
	l.active = true
	l.sessionID = sessionID
	l.pendingID = ""
	l.err = nil
	l.mu.Unlock()
	return func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.err
	}
}

func (l *promptListener) end() {
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()
}

func (l *promptListener) current() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID, l.active
}

func (l *promptListener) OnMessage(msg session.Message) {
	sid, ok := l.current()
	if !ok || msg.Role == session.RoleUser {
		return
	}
	l.mu.Lock()
	callID := l.pendingID
	l.pendingID = ""
	l.mu.Unlock()

	if msg.Role == session.RoleSystem && callID != "" {
		_ = l.server.sendToolResultNotification(sid, callID, msg.Content)
		return
	}
	_ = l.server.sendAgentMessageChunk(sid, msg.Content)
}

func (l *promptListener) OnToolExecution(exec session.ToolExecution) {
	sid, ok := l.current()
	if !ok {
		return
	}
	callID := fmt.Sprintf("call_%d", exec.ID)
	l.mu.Lock()
	l.pendingID = callID
	l.mu.Unlock()
	_ = l.server.sendToolCallNotification(sid, callID, exec)
}

func (l *promptListener) OnCleared(sessionID int64) {
	l.OnNotice(fmt.Sprintf("Started session %s", formatSessionID(sessionID)))
}

func (l *promptListener) OnNotice(text string) {
	if sid, ok := l.current(); ok {
		_ = l.server.sendAgentMessageChunk(sid, text)
	}
}

func (l *promptListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active && l.err == nil {
		l.err = err
	}
}

func formatSessionID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseSessionID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid sessionId %q", s)
	}
	return id, nil
}

// ---- Prompt content ----

func readFileFromURI(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if parsed.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", parsed.Scheme)
	}
	content, err := os.ReadFile(parsed.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file")
	}
	return string(content), nil
}

// extractUserText joins the prompt blocks into one message. Linked local
// files are inlined, truncated to maxResourceContent bytes.
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			parts = append(parts, describeResource(b))
		}
	}
	return strings.Join(parts, "\n")
}

func describeResource(b contentBlock) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
	if b.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	}
	if b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	}
	fmt.Fprintf(&sb, "URI: %s\n", b.URI)
	if b.MimeType != "" {
		fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
	}
	if b.Size != nil {
		fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
	}

	if strings.HasPrefix(b.URI, "file://") {
		content, err := readFileFromURI(b.URI)
		if err != nil {
			fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
		} else {
			if len(content) > maxResourceContent {
				content = content[:maxResourceContent] + "\n\n[... truncated to 50KB ...]"
			}
			fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
		}
	} else {
		sb.WriteString("\n[External resource - content not available]\n")
	}
	sb.WriteString("=== End Resource ===\n")
	return sb.String()
}
