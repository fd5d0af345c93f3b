package main

import (
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dial(t *testing.T, command ...string) *websocket.Conn {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	srv := httptest.NewServer(newBridge(command, zap.NewNop()))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	return conn
}

func TestBridgeEchoesJSONLines(t *testing.T) {
	conn := dial(t, "cat")
	payload := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"text":"say \"hi\""}}`

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	var got frame
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, frame{Type: "stdout", Data: payload}, got)
}

func TestBridgeForwardsStderr(t *testing.T) {
	conn := dial(t, "sh", "-c", "echo oops >&2")

	var got frame
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, frame{Type: "stderr", Data: "oops"}, got)
}

func TestBridgeClosesWhenProcessExits(t *testing.T) {
	conn := dial(t, "sh", "-c", "echo done")

	var got frame
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "done", got.Data)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestDisplayAddr(t *testing.T) {
	assert.Equal(t, "localhost:8080", displayAddr(":8080"))
	assert.Equal(t, "0.0.0.0:9000", displayAddr("0.0.0.0:9000"))
}
