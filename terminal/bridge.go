// Package terminal bridges websocket connections to PTYs attached to agent
// multiplexer sessions. Frames are JSON: input and resize flow from the
// client, output, exit, and error flow back.
package terminal

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/grovetools/burrow/errors"
	"github.com/grovetools/burrow/logging"
	"github.com/grovetools/burrow/store"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type     string `json:"type"` // input, resize, output, exit, error
	Data     string `json:"data,omitempty"`
	Cols     uint16 `json:"cols,omitempty"`
	Rows     uint16 `json:"rows,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Sessions is the slice of the lifecycle controller the bridge uses.
type Sessions interface {
	GetSession(id string) (*store.Session, error)
	AttachCommand(sess *store.Session) (string, []string)
	ContainerRunning(ctx context.Context, sess *store.Session) bool
	RefreshAttachedClients(ctx context.Context, sess *store.Session) error
}

// Bridge serves the terminal websocket endpoint and tracks every live
// connection per session.
type Bridge struct {
	sessions Sessions
	maxConns int
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]map[*connection]struct{}
	down  bool
}

type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	pty     *os.File
	cmd     *exec.Cmd
}

// NewBridge creates a terminal bridge. maxConns caps concurrent
// connections per session.
func NewBridge(sessions Sessions, maxConns int) *Bridge {
	return &Bridge{
		sessions: sessions,
		maxConns: maxConns,
		log:      logging.NewLogger("terminal"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon binds to loopback; the browser UI is served from
			// a different local origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]map[*connection]struct{}),
	}
}

// ServeHTTP handles a terminal websocket connection for the session named
// by the "session" query parameter.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	conn := &connection{ws: ws}
	if err := b.attach(r.Context(), conn, sessionID); err != nil {
		conn.sendFrame(Frame{Type: "error", Message: err.Error()})
		ws.Close()
		return
	}

	b.relay(conn, sessionID)
}

// attach admits the connection and spawns its PTY. The session is fetched
// twice: once for admission, and again immediately before the PTY spawn so
// a session deleted in between is caught.
func (b *Bridge) attach(ctx context.Context, conn *connection, sessionID string) error {
	sess, err := b.sessions.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status != store.StatusReady {
		return errors.SessionNotReady(sessionID, sess.Status)
	}

	if err := b.track(sessionID, conn); err != nil {
		return err
	}

	// Re-fetch before the expensive spawn: the admission check above is
	// stale the moment it returns.
	sess, err = b.sessions.GetSession(sessionID)
	if err != nil {
		b.untrack(sessionID, conn)
		return err
	}
	if sess.Status != store.StatusReady {
		b.untrack(sessionID, conn)
		return errors.SessionNotReady(sessionID, sess.Status)
	}
	if sess.Sandboxed() && !b.sessions.ContainerRunning(ctx, sess) {
		b.untrack(sessionID, conn)
		cid := ""
		if sess.ContainerID != nil {
			cid = *sess.ContainerID
		}
		return errors.ContainerNotRunning(cid, "stopped")
	}

	name, args := b.sessions.AttachCommand(sess)
	cmd := exec.Command(name, args...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		b.untrack(sessionID, conn)
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to spawn terminal")
	}

	conn.pty = ptmx
	conn.cmd = cmd
	b.log.WithFields(logrus.Fields{"session": sessionID}).Info("terminal attached")
	return nil
}

func (b *Bridge) track(sessionID string, conn *connection) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return errors.New(errors.ErrCodeInternal, "daemon is shutting down")
	}
	set := b.conns[sessionID]
	if len(set) >= b.maxConns {
		return errors.TooManyClients(sessionID, b.maxConns)
	}
	if set == nil {
		set = make(map[*connection]struct{})
		b.conns[sessionID] = set
	}
	set[conn] = struct{}{}
	return nil
}

func (b *Bridge) untrack(sessionID string, conn *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.conns[sessionID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(b.conns, sessionID)
		}
	}
}

// ConnectionCount returns the number of live connections for a session.
func (b *Bridge) ConnectionCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[sessionID])
}

// relay pumps bytes between the PTY and the websocket until either side
// closes, then tears the connection down.
func (b *Bridge) relay(conn *connection, sessionID string) {
	defer func() {
		conn.kill()
		conn.ws.Close()
		b.untrack(sessionID, conn)
		b.log.WithField("session", sessionID).Info("terminal detached")
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 16384)
		for {
			n, err := conn.pty.Read(buf)
			if n > 0 {
				conn.sendFrame(Frame{Type: "output", Data: string(buf[:n])})
			}
			if err != nil {
				conn.sendFrame(Frame{Type: "exit", ExitCode: conn.exitCode()})
				return
			}
		}
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			break
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			b.log.WithError(err).Debug("malformed terminal frame")
			continue
		}

		switch frame.Type {
		case "input":
			if _, err := conn.pty.Write([]byte(frame.Data)); err != nil {
				b.log.WithError(err).Debug("pty write failed")
			}
		case "resize":
			b.resize(conn, sessionID, frame)
		}
	}

	conn.kill()
	<-done
}

// resize applies the new geometry to the PTY and then tells the
// multiplexer to refresh its clients; without the refresh the agent keeps
// the old size.
func (b *Bridge) resize(conn *connection, sessionID string, frame Frame) {
	if err := pty.Setsize(conn.pty, &pty.Winsize{Cols: frame.Cols, Rows: frame.Rows}); err != nil {
		b.log.WithError(err).Debug("pty resize failed")
		return
	}
	sess, err := b.sessions.GetSession(sessionID)
	if err != nil {
		return
	}
	if err := b.sessions.RefreshAttachedClients(context.Background(), sess); err != nil {
		b.log.WithError(err).Debug("multiplexer refresh failed")
	}
}

// Shutdown kills every tracked PTY and closes every socket. Called before
// the database is closed on daemon shutdown.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.down = true
	var all []*connection
	for _, set := range b.conns {
		for conn := range set {
			all = append(all, conn)
		}
	}
	b.conns = make(map[string]map[*connection]struct{})
	b.mu.Unlock()

	for _, conn := range all {
		conn.kill()
		conn.ws.Close()
	}
	b.log.WithField("connections", len(all)).Info("terminal bridge shut down")
}

func (c *connection) sendFrame(frame Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(frame); err != nil {
		return
	}
}

// kill terminates the PTY process and releases the PTY. Safe to call more
// than once.
func (c *connection) kill() {
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	if c.pty != nil {
		_ = c.pty.Close()
	}
}

func (c *connection) exitCode() int {
	if c.cmd == nil {
		return 0
	}
	_ = c.cmd.Wait()
	if state := c.cmd.ProcessState; state != nil {
		return state.ExitCode()
	}
	return 0
}
