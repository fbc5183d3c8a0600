package signaling

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	"github.com/hackgods/telehealth-scheduling/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

var ErrPeerClosed = errors.New("peer connection closed")
var ErrPeerBackpressure = errors.New("peer send buffer full")

// JoinValidator decides whether userID may take role in sessionID.
type JoinValidator interface {
	ValidateJoin(ctx context.Context, sessionID, userID string, role Role) error
}

// Handler upgrades signaling connections and feeds them into a Registry.
type Handler struct {
	registry  *Registry
	validator JoinValidator
	upgrader  websocket.Upgrader
	logger    *logging.Logger
}

func NewHandler(registry *Registry, validator JoinValidator, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		registry:  registry,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// wsPeer queues outbound messages for the write pump.
type wsPeer struct {
	conn      *websocket.Conn
	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn, send: make(chan Message, sendBuffer), done: make(chan struct{})}
}

func (p *wsPeer) Send(msg Message) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return ErrPeerClosed
	default:
		return ErrPeerBackpressure
	}
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		case <-p.done:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("signaling upgrade failed", "error", err)
		return
	}
	peer := newWSPeer(conn)
	go peer.writePump()
	h.readPump(r.Context(), peer)
}

// readPump owns the connection's room membership. Only one session per
// connection is allowed.
func (h *Handler) readPump(ctx context.Context, peer *wsPeer) {
	var sessionID string
	var role Role
	defer func() {
		if sessionID != "" {
			h.registry.Disconnect(sessionID, role, peer)
		}
		peer.close()
	}()

	peer.conn.SetReadLimit(maxMessageSize)
	_ = peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	peer.conn.SetPongHandler(func(string) error {
		return peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := peer.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("signaling connection closed", "session_id", sessionID, "error", err)
			}
			return
		}

		switch {
		case msg.Type == KindJoinRoom:
			if sessionID != "" {
				h.reject(peer, msg, apperr.Conflict("already_joined", "connection already joined a session"))
				continue
			}
			if err := h.join(ctx, peer, msg); err != nil {
				h.reject(peer, msg, err)
				continue
			}
			sessionID, role = msg.SessionID, msg.Role

		case sessionID == "":
			h.reject(peer, msg, apperr.Validation("type", "join-room must come first"))

		case msg.Type == KindEndCall:
			if _, err := h.registry.EndCall(sessionID, role); err != nil {
				h.reject(peer, msg, err)
			}

		case msg.Type.Relayable():
			if err := h.registry.Relay(sessionID, role, msg.Type, msg.Payload); err != nil {
				h.reject(peer, msg, err)
			}

		default:
			h.reject(peer, msg, apperr.Validation("type", "unsupported message type"))
		}
	}
}

func (h *Handler) join(ctx context.Context, peer *wsPeer, msg Message) error {
	if !msg.Role.Valid() {
		return apperr.Validation("role", "role must be doctor or patient")
	}
	if h.validator != nil {
		if err := h.validator.ValidateJoin(ctx, msg.SessionID, msg.UserID, msg.Role); err != nil {
			return err
		}
	}
	snap, err := h.registry.Join(msg.SessionID, msg.UserID, msg.Role, peer)
	if err != nil {
		return err
	}
	h.logger.Info("signaling join",
		"session_id", msg.SessionID,
		"role", msg.Role,
		"user_id", msg.UserID,
		"status", snap.Status,
	)
	return nil
}

func (h *Handler) reject(peer *wsPeer, msg Message, err error) {
	_ = peer.Send(Message{Type: KindError, SessionID: msg.SessionID, Reason: err.Error()})
}
