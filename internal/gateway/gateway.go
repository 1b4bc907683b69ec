package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ambiware-labs/parley/internal/engine"
	"github.com/ambiware-labs/parley/internal/hub"
	"github.com/ambiware-labs/parley/internal/snapshot"
)

// Service exposes the engine over two surfaces that must never diverge: a
// websocket accept point per conversation and a REST mirror for clients
// without a live socket. Both delegate every operation to the same engine.
type Service struct {
	ctx      context.Context
	engine   *engine.Engine
	store    *snapshot.Store
	log      *slog.Logger
	upgrader websocket.Upgrader
	clock    func() time.Time
}

func New(parent context.Context, eng *engine.Engine, store *snapshot.Store, log *slog.Logger) *Service {
	return &Service{
		ctx:    parent,
		engine: eng,
		store:  store,
		log:    log.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clock: time.Now,
	}
}

// Register mounts the websocket endpoint and the REST mirror.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/conversations/{id}", s.handleWebSocket)
	mux.HandleFunc("GET /conversations/{id}/state", s.handleGetState)
	mux.HandleFunc("POST /conversations/{id}/state", s.handlePostState)
	mux.HandleFunc("POST /conversations/{id}/transcript", s.handlePostTranscript)
	mux.HandleFunc("POST /conversations/{id}/ai-response", s.handlePostAIResponse)
	mux.HandleFunc("GET /conversations/{id}/connections", s.handleGetConnections)
	mux.HandleFunc("GET /conversations/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("DELETE /conversations/{id}", s.handleDelete)
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	conn := newWSConn(raw)

	// The connect-time snapshot is pushed before the read loop starts, so
	// the client sees current truth ahead of any frame it sends.
	if _, err := s.engine.Connect(s.ctx, conversationID, conn); err != nil {
		if errors.Is(err, engine.ErrConversationEnded) {
			_ = conn.CloseWithPolicyViolation("conversation ended")
		} else {
			_ = conn.Close("connect failed")
		}
		return
	}

	defer func() {
		s.engine.Disconnect(s.ctx, conversationID, conn)
		_ = raw.Close()
	}()

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("websocket read failed",
					slog.String("conversation_id", conversationID), slogError(err))
			}
			return
		}
		s.dispatch(s.ctx, conversationID, conn, payload)
	}
}

// wsConn adapts a gorilla connection to the hub's transport handle. A
// mutex serializes writers: broadcasts, reply-only errors and close
// frames can originate from different goroutines.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close(reason string) error {
	return c.closeWithCode(websocket.CloseNormalClosure, reason)
}

func (c *wsConn) CloseWithPolicyViolation(reason string) error {
	return c.closeWithCode(websocket.ClosePolicyViolation, reason)
}

func (c *wsConn) closeWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

var _ hub.Conn = (*wsConn)(nil)

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
