package transport

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatmesh/chatmesh/internal/chat"
	"github.com/chatmesh/chatmesh/internal/dispatch"
	"github.com/chatmesh/chatmesh/internal/registry"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 75 * time.Second
	maxMessageSize = 64 * 1024
)

// Conn wraps a gorilla connection behind the transport contract the registry
// holds. The write mutex serializes concurrent fan-out writers.
type Conn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewConn wraps an already-upgraded connection.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// Send writes one message, bounded by the write timeout.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Conn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}

// Handler upgrades HTTP requests and runs the per-connection read loop. One
// goroutine per connection reads envelopes and feeds them to the dispatcher;
// all writes go through the registry via Conn.
type Handler struct {
	reg      *registry.Registry
	disp     *dispatch.Dispatcher
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the WebSocket endpoint handler.
func NewHandler(reg *registry.Registry, disp *dispatch.Dispatcher, log *zap.Logger) *Handler {
	l := log.With(zap.String("module", "transport"))
	return &Handler{
		reg:  reg,
		disp: disp,
		log:  l,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(l),
		},
	}
}

// ServeHTTP handles GET /ws?user_id=...&room_id=...
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	roomID := r.URL.Query().Get("room_id")
	if userID == "" || roomID == "" {
		http.Error(w, "user_id and room_id are required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := NewConn(ws)

	ok, reason := h.reg.Connect(conn, userID, roomID)
	if !ok {
		h.log.Info("connection rejected",
			zap.String("user_id", userID),
			zap.String("room_id", roomID),
			zap.String("reason", string(reason)))
		conn.closeWith(websocket.CloseTryAgainLater, string(reason))
		return
	}

	log := h.log.With(zap.String("user_id", userID), zap.String("room_id", roomID))
	log.Info("connection established")
	h.announce(roomID, "user "+userID+" joined the room")

	h.readLoop(ws, conn, userID, roomID, log)

	if h.reg.Disconnect(userID, roomID) {
		log.Info("connection closed")
		h.announce(roomID, "user "+userID+" left the room")
	}
}

func (h *Handler) readLoop(ws *websocket.Conn, conn *Conn, userID, roomID string, log *zap.Logger) {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read loop ended", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))

		env, err := chat.Decode(data)
		if err != nil {
			log.Warn("dropping malformed client message", zap.Error(err))
			continue
		}

		// Application-level ping is answered inline, never routed.
		if env.Kind() == chat.KindPing {
			pong := chat.Envelope{Type: chat.TypePing, Room: roomID, Timestamp: chat.Now()}
			if data, err := pong.Encode(); err == nil {
				_ = conn.Send(data)
			}
			if s, found := h.reg.Lookup(userID, roomID); found {
				s.Touch()
			}
			continue
		}

		// The connection, not the client, is the authority on identity and
		// room membership. Private envelopes keep the sender's room as
		// context; routing goes by target.
		env.UserID = userID
		env.Room = roomID
		if err := h.disp.Publish(*env); err != nil {
			log.Debug("message not accepted", zap.Error(err))
		}
	}
}

func (h *Handler) announce(roomID, content string) {
	env := chat.Envelope{
		Type:      chat.TypeSystem,
		Room:      roomID,
		UserID:    "system",
		Content:   content,
		Timestamp: chat.Now(),
	}
	if err := h.disp.Publish(env); err != nil {
		h.log.Debug("presence announcement dropped",
			zap.String("room_id", roomID), zap.Error(err))
	}
}

// originChecker builds the browser-origin policy from WS_ALLOWED_ORIGINS.
// Non-browser clients send no Origin header and are always admitted.
func originChecker(log *zap.Logger) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		allowedOrigins := os.Getenv("WS_ALLOWED_ORIGINS")
		if allowedOrigins == "" {
			allowedOrigins = "localhost,127.0.0.1"
		}

		originHost := origin
		if strings.Contains(origin, "://") {
			parts := strings.SplitN(origin, "://", 2)
			originHost = parts[1]
		}
		if strings.Contains(originHost, ":") {
			originHost = strings.Split(originHost, ":")[0]
		}

		for _, allowed := range strings.Split(allowedOrigins, ",") {
			if allowed == "*" || allowed == originHost {
				return true
			}
			if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(originHost, allowed[1:]) {
				return true
			}
		}

		log.Warn("rejected websocket origin",
			zap.String("origin", origin),
			zap.String("allowed_origins", allowedOrigins))
		return false
	}
}
