package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/runbox/backend/internal/sandbox"
	"github.com/runbox/backend/internal/vfs"
)

// Session is one client connection plus its authenticated state. Frames
// are dispatched on the read pump; the write pump is the only goroutine
// writing to the connection, so replies, output chunks, and pings cannot
// race each other.
type Session struct {
	id   string
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *slog.Logger

	// Authenticated state, set by LOGN. Only the dispatch goroutine
	// touches these.
	email   string
	userID  int
	storage *vfs.Storage

	// exec is the session's live execution, if any. Guarded by execMu
	// because close() may kill it from another goroutine.
	execMu sync.Mutex
	exec   *sandbox.Execution
}

func newSession(srv *Server, conn *websocket.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:   id,
		srv:  srv,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  srv.log.With("session_id", id),
	}
}

// close tears the session down exactly once: out of the registry, off the
// wire, and any live execution killed.
func (sess *Session) close() {
	sess.once.Do(func() {
		close(sess.done)
		sess.srv.unregister(sess)
		sess.conn.Close()
		sess.killExecution()
	})
}

func (sess *Session) killExecution() {
	sess.execMu.Lock()
	e := sess.exec
	sess.execMu.Unlock()
	if e != nil {
		e.Kill()
	}
}

// enqueue hands one frame to the write pump. It blocks while the buffer
// is full, which backpressures output streaming onto the client's drain
// rate; frames for a closed session are dropped.
func (sess *Session) enqueue(frame string) {
	select {
	case <-sess.done:
	case sess.send <- []byte(frame):
	}
}

// writePump owns all writes: queued frames, pings, and the close frame.
func (sess *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.close()
	}()

	for {
		select {
		case msg := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				sess.log.Warn("write failed", "error", err)
				return
			}
			// Drain whatever queued while writing.
			n := len(sess.send)
			for i := 0; i < n; i++ {
				if err := sess.conn.WriteMessage(websocket.TextMessage, <-sess.send); err != nil {
					sess.log.Warn("write failed", "error", err)
					return
				}
			}

		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sess.done:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump owns all reads and runs the dispatch loop.
func (sess *Session) readPump() {
	defer sess.close()

	sess.conn.SetReadLimit(maxMsgSize)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sess.log.Warn("read failed", "error", err)
			}
			return
		}
		if !sess.handleFrame(string(payload)) {
			return
		}
	}
}
