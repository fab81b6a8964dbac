package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 32 * 1024
	sendBufferSize = 256
)

var (
	errClosed       = errors.New("chat: connection closed")
	errSlowConsumer = errors.New("chat: send buffer full")
)

// WSHandler upgrades authenticated requests and pumps frames between the
// socket and the router.
type WSHandler struct {
	Router   *Router
	Logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler allows any origin when origins is empty, otherwise only the
// listed ones.
func NewWSHandler(router *Router, origins []string, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = router.logger
	}
	allowed := map[string]bool{}
	for _, o := range origins {
		allowed[o] = true
	}
	return &WSHandler{
		Router: router,
		Logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin] || allowed["*"]
			},
		},
	}
}

// Serve takes over the request for userID. It returns once the socket closes.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Debug("chat: upgrade failed", "error", err)
		return
	}
	c := &wsConn{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	h.Logger.Debug("chat: connected", "conn_id", c.id, "user_id", userID)
	go c.writePump()
	c.readPump(context.WithoutCancel(r.Context()), h.Router)
	h.Router.Disconnect(c)
	c.close()
	h.Logger.Debug("chat: disconnected", "conn_id", c.id, "user_id", userID)
}

type wsConn struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *wsConn) ID() string     { return c.id }
func (c *wsConn) UserID() string { return c.userID }

// Send queues f without blocking. A full buffer closes the connection.
func (c *wsConn) Send(_ context.Context, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return errClosed
	default:
		c.close()
		return errSlowConsumer
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsConn) readPump(ctx context.Context, router *Router) {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if err := router.Handle(ctx, c, data); err != nil {
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
