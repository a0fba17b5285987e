package ws

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirepulse/wirepulse/internal/protocol"
	"github.com/wirepulse/wirepulse/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The wire protocol carries its own session identity and the
	// reconnection tokens are IP-bound, so cross-origin upgrades are
	// accepted.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades HTTP requests and runs the session read loop.
type Handler struct {
	registry *service.Registry
	logger   *slog.Logger
}

func NewHandler(registry *service.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	peer := NewPeer(conn)
	go peer.writePump()

	ip := clientIP(r)
	session := h.registry.Connect(peer, ip)
	defer func() {
		peer.Close()
		h.registry.Disconnect(session)
	}()

	conn.SetReadLimit(maxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", "session_id", session.ID(), "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			session.Send(protocol.Err("", protocol.ErrMalformedPayload, "invalid message envelope"))
			continue
		}
		h.registry.Dispatch(ctx, session, msg)
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// transport address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
