package main

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// frame is one line of process output.
type frame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type bridge struct {
	command  []string
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func newBridge(command []string, logger *zap.Logger) *bridge {
	return &bridge{
		command: command,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := b.logger.With(zap.String("conn", uuid.NewString()), zap.String("remote", r.RemoteAddr))
	log.Info("client connected")
	if err := b.serve(r.Context(), conn, log); err != nil {
		log.Warn("connection ended with error", zap.Error(err))
		return
	}
	log.Info("client disconnected")
}

// serve runs one subprocess for conn until either side goes away.
func (b *bridge) serve(ctx context.Context, conn *websocket.Conn, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.command[0], b.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	log.Debug("process started", zap.Int("pid", cmd.Process.Pid))

	// Client to process. A read error means the client is gone, so the
	// process is killed through ctx.
	go func() {
		defer stdin.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Debug("websocket read ended", zap.Error(err))
				cancel()
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Warn("stdin write failed", zap.Error(err))
				cancel()
				return
			}
		}
	}()

	out := &frameWriter{conn: conn}
	var g errgroup.Group
	g.Go(func() error { return out.pump("stdout", stdout) })
	g.Go(func() error { return out.pump("stderr", stderr) })
	pumpErr := g.Wait()

	waitErr := cmd.Wait()
	log.Info("process exited", zap.NamedError("exit", waitErr))
	if pumpErr != nil && ctx.Err() == nil {
		return pumpErr
	}
	return nil
}

// frameWriter serializes writes to a connection shared by both pumps.
type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *frameWriter) write(f frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(f)
}

// pump forwards r line by line until EOF. After a write failure the rest of
// r is drained so the process never blocks on a full pipe.
func (w *frameWriter) pump(stream string, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := w.write(frame{Type: stream, Data: scanner.Text()}); err != nil {
			_, _ = io.Copy(io.Discard, r)
			return err
		}
	}
	return scanner.Err()
}
