package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fathima-sithara/securechat/internal/auth"
	"github.com/fathima-sithara/securechat/internal/cache"
	"github.com/fathima-sithara/securechat/internal/domain"
	"github.com/fathima-sithara/securechat/internal/keys"
	"github.com/fathima-sithara/securechat/internal/middleware"
	"github.com/fathima-sithara/securechat/internal/service"
	"github.com/fathima-sithara/securechat/internal/utils"
	"github.com/fathima-sithara/securechat/internal/ws"
)

// PresenceReader returns the mirrored presence record, including last seen.
type PresenceReader interface {
	Get(ctx context.Context, userID string) (cache.Presence, error)
}

// Deps is everything the HTTP surface needs. Presence and RateLimiter are
// optional.
type Deps struct {
	Commands    *service.CommandService
	Queries     *service.QueryService
	Keys        *keys.Registry
	WS          *ws.Server
	Validator   auth.Validator
	Presence    PresenceReader
	RateLimiter *middleware.RateLimiter
	Logger      *zap.SugaredLogger
}

type Server struct {
	cmd      *service.CommandService
	qry      *service.QueryService
	keys     *keys.Registry
	ws       *ws.Server
	presence PresenceReader
	log      *zap.SugaredLogger
}

func NewServer(d Deps) *fiber.App {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	s := &Server{cmd: d.Commands, qry: d.Queries, keys: d.Keys, ws: d.WS, presence: d.Presence, log: d.Logger}

	app := fiber.New(fiber.Config{
		AppName:      "securechat",
		ErrorHandler: s.errorHandler,
		ReadTimeout:  15 * time.Second,
		// route params become hub room and store lock keys that outlive the request
		Immutable: true,
	})
	app.Use(recover.New())
	app.Use(middleware.RequestLogger(d.Logger))

	app.Get("/healthz", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// websocket endpoint authenticates on upgrade
	app.Get("/ws", d.WS.Upgrade(), d.WS.Handler())

	api := app.Group("/", middleware.JWTAuth(d.Validator))
	if d.RateLimiter != nil {
		api.Use(d.RateLimiter.MiddlewareByKey(middleware.ByUser))
	}

	api.Post("/conversations", s.createConversation)
	api.Get("/conversations", s.listConversations)
	api.Get("/conversations/:id", s.getConversation)
	api.Delete("/conversations/:id", s.deleteConversation)
	api.Post("/conversations/:id/messages", s.sendMessage)
	api.Get("/conversations/:id/messages", s.listMessages)
	api.Patch("/conversations/:id/messages/:messageId", s.editMessage)
	api.Delete("/conversations/:id/messages/:messageId", s.deleteMessage)
	api.Post("/conversations/:id/messages/:messageId/reactions", s.toggleReaction)
	api.Put("/conversations/:id/read", s.markRead)
	api.Post("/conversations/:id/participants", s.addParticipants)
	api.Delete("/conversations/:id/participants/:participantId", s.removeParticipant)
	api.Get("/search", s.search)

	api.Post("/keys", s.registerKey)
	api.Post("/keys/bulk", s.bulkKeys)
	api.Get("/keys/:userId", s.getKeys)
	api.Get("/keys/:userId/safety-number", s.safetyNumber)
	api.Delete("/keys/:deviceId", s.deactivateKey)

	api.Get("/presence/:userId", s.getPresence)

	return app
}

// fail writes err as a JSON error with the status its kind maps to.
// Internal errors are logged and hidden.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	code := domain.ErrorCode(err)
	if code == domain.CodeInternal {
		s.log.Errorw("request failed", "method", c.Method(), "path", c.Path(), "user_id", middleware.UserID(c), "error", err)
	}
	return utils.JSONError(c, statusFor(code), domain.PublicMessage(err))
}

func statusFor(code string) int {
	switch code {
	case domain.CodeBadRequest:
		return fiber.StatusBadRequest
	case domain.CodeForbidden:
		return fiber.StatusForbidden
	case domain.CodeNotFound:
		return fiber.StatusNotFound
	case domain.CodeConflict:
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return utils.JSONError(c, fe.Code, fe.Message)
	}
	return s.fail(c, err)
}

// bind parses and validates a JSON body, writing the 400 itself. A nil
// return with ok=false means the response is already written.
func bind(c *fiber.Ctx, dst any) (bool, error) {
	if err := c.BodyParser(dst); err != nil {
		return false, utils.JSONError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if errs := utils.ValidateStruct(dst); len(errs) > 0 {
		return false, utils.JSONValidationError(c, errs)
	}
	return true, nil
}
