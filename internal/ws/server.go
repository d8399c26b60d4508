package ws

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/securechat/internal/auth"
	"github.com/fathima-sithara/securechat/internal/service"
	"github.com/fathima-sithara/securechat/internal/utils"
)

// Server owns the /ws endpoint: authentication on upgrade, the session
// lifecycle and auto-join of the user's conversations.
type Server struct {
	hub    *Hub
	router *Router
	query  *service.QueryService
	jv     auth.Validator
	cfg    ClientConfig
	log    *zap.SugaredLogger
}

func NewServer(hub *Hub, cmd *service.CommandService, query *service.QueryService, jv auth.Validator, cfg ClientConfig, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	router := NewRouter(hub, logger)
	NewHandlers(cmd, query, hub).Register(router)
	return &Server{hub: hub, router: router, query: query, jv: jv, cfg: cfg, log: logger}
}

func (s *Server) Hub() *Hub { return s.hub }

// Upgrade authenticates the handshake. Browsers can't set headers on a
// websocket request, so ?token= is accepted next to the bearer header.
func (s *Server) Upgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return utils.JSONError(c, fiber.StatusUpgradeRequired, "websocket upgrade required")
		}
		token := c.Query("token")
		if token == "" {
			t, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
			if err != nil {
				return utils.JSONError(c, fiber.StatusUnauthorized, "missing token")
			}
			token = t
		}
		userID, err := s.jv.Validate(strings.TrimSpace(token))
		if err != nil {
			return utils.JSONError(c, fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals("user_id", userID)
		return c.Next()
	}
}

// Handler serves an upgraded connection.
func (s *Server) Handler() fiber.Handler {
	return websocket.New(s.handleWS)
}

func (s *Server) handleWS(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)
	if userID == "" {
		_ = conn.Close()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(userID, s.cfg.SendBuffer)
	s.hub.Register(session)
	s.autoJoin(ctx, session)

	client := NewClient(conn, session, s.hub, s.router, s.cfg)
	go client.writePump()
	client.readPump(ctx)
}

// autoJoin puts a fresh session in every conversation the user belongs to.
func (s *Server) autoJoin(ctx context.Context, session *Session) {
	ids, err := s.query.ConversationIDs(ctx, session.UserID())
	if err != nil {
		s.log.Warnw("auto-join failed", "user_id", session.UserID(), "session_id", session.ID(), "error", err)
		return
	}
	for _, id := range ids {
		s.hub.Join(session.ID(), id)
	}

	// drop rooms the user was removed from while joining
	current, err := s.query.ConversationIDs(ctx, session.UserID())
	if err != nil {
		s.log.Warnw("auto-join recheck failed", "user_id", session.UserID(), "session_id", session.ID(), "error", err)
		return
	}
	keep := make(map[string]struct{}, len(current))
	for _, id := range current {
		keep[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := keep[id]; !ok {
			s.hub.Leave(session.ID(), id)
		}
	}
}
