package ws

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"golang.org/x/time/rate"
)

// ClientConfig holds per-connection limits.
type ClientConfig struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteDeadline   time.Duration
	MaxMessageSize  int64
	SendBuffer      int
	EventsPerSecond int
}

// Client couples a websocket connection with its session.
type Client struct {
	conn    *websocket.Conn
	session *Session
	hub     *Hub
	router  *Router
	limiter *rate.Limiter
	cfg     ClientConfig
}

func NewClient(conn *websocket.Conn, session *Session, hub *Hub, router *Router, cfg ClientConfig) *Client {
	eps := cfg.EventsPerSecond
	if eps <= 0 {
		eps = 20
	}
	return &Client{
		conn:    conn,
		session: session,
		hub:     hub,
		router:  router,
		limiter: rate.NewLimiter(rate.Limit(eps), eps),
		cfg:     cfg,
	}
}

// readPump reads and dispatches events until the connection fails or the
// session is closed.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c.session)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		if !c.limiter.Allow() {
			c.hub.SendTo(c.session, Frame{Type: FrameError, Code: CodeRateLimited, Message: "too many events"})
			continue
		}
		c.router.Dispatch(ctx, c.session, data)
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.session.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.Unregister(c.session)
				return
			}
		case <-c.session.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteDeadline))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.Unregister(c.session)
				return
			}
		}
	}
}
