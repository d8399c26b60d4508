package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/securechat/internal/middleware"
	"github.com/fathima-sithara/securechat/internal/service"
	"github.com/fathima-sithara/securechat/internal/utils"
)

type createConversationReq struct {
	Participants []string `json:"participants" validate:"required,min=1,max=256,dive,required"`
	IsGroup      bool     `json:"isGroup"`
	GroupName    string   `json:"groupName" validate:"max=100"`
}

func (s *Server) createConversation(c *fiber.Ctx) error {
	var req createConversationReq
	if ok, err := bind(c, &req); !ok {
		return err
	}
	conv, created, err := s.cmd.CreateConversation(c.UserContext(), service.CreateConversationInput{
		CreatorID:      middleware.UserID(c),
		ParticipantIDs: req.Participants,
		IsGroup:        req.IsGroup,
		GroupName:      req.GroupName,
	})
	if err != nil {
		return s.fail(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return utils.JSONSuccess(c, status, conv.WithoutMessages())
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	convs, err := s.qry.ListConversations(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, convs)
}

func (s *Server) getConversation(c *fiber.Ctx) error {
	conv, err := s.qry.GetConversation(c.UserContext(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, conv)
}

func (s *Server) deleteConversation(c *fiber.Ctx) error {
	if err := s.cmd.DeleteConversation(c.UserContext(), c.Params("id"), middleware.UserID(c)); err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, fiber.Map{"deleted": true})
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	var req service.MessageInput
	if ok, err := bind(c, &req); !ok {
		return err
	}
	body, err := req.Body()
	if err != nil {
		return s.fail(c, err)
	}
	msg, err := s.cmd.SendMessage(c.UserContext(), service.SendMessageInput{
		ConversationID: c.Params("id"),
		SenderID:       middleware.UserID(c),
		Body:           body,
		Attachments:    req.Attachments,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusCreated, msg)
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	before, err := parseBefore(c.Query("before"))
	if err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "before must be RFC3339 or unix milliseconds")
	}
	page, err := s.qry.GetMessages(c.UserContext(), c.Params("id"), middleware.UserID(c), before, c.QueryInt("limit", service.DefaultPageSize))
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, page)
}

func (s *Server) editMessage(c *fiber.Ctx) error {
	var req service.MessageInput
	if ok, err := bind(c, &req); !ok {
		return err
	}
	body, err := req.Body()
	if err != nil {
		return s.fail(c, err)
	}
	msg, err := s.cmd.EditMessage(c.UserContext(), c.Params("id"), c.Params("messageId"), middleware.UserID(c), body)
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, msg)
}

func (s *Server) deleteMessage(c *fiber.Ctx) error {
	msg, err := s.cmd.DeleteMessage(c.UserContext(), c.Params("id"), c.Params("messageId"), middleware.UserID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, msg)
}

type reactionReq struct {
	Emoji string `json:"emoji" validate:"required,max=32"`
}

func (s *Server) toggleReaction(c *fiber.Ctx) error {
	var req reactionReq
	if ok, err := bind(c, &req); !ok {
		return err
	}
	msg, added, err := s.cmd.ToggleReaction(c.UserContext(), c.Params("id"), c.Params("messageId"), middleware.UserID(c), req.Emoji)
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, fiber.Map{"added": added, "reactions": msg.Reactions})
}

// parseBefore accepts RFC3339 or unix milliseconds. Empty means no bound.
func parseBefore(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func (s *Server) markRead(c *fiber.Ctx) error {
	n, err := s.cmd.MarkRead(c.UserContext(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, fiber.Map{"count": n})
}

type participantsReq struct {
	ParticipantID  string   `json:"participantId"`
	ParticipantIDs []string `json:"participantIds" validate:"max=256,dive,required"`
}

func (r participantsReq) ids() []string {
	out := append([]string(nil), r.ParticipantIDs...)
	if id := strings.TrimSpace(r.ParticipantID); id != "" {
		out = append(out, id)
	}
	return out
}

func (s *Server) addParticipants(c *fiber.Ctx) error {
	var req participantsReq
	if ok, err := bind(c, &req); !ok {
		return err
	}
	ids := req.ids()
	if len(ids) == 0 {
		return utils.JSONError(c, fiber.StatusBadRequest, "participantId or participantIds is required")
	}
	added, err := s.cmd.AddParticipants(c.UserContext(), c.Params("id"), middleware.UserID(c), ids)
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, fiber.Map{"added": added})
}

func (s *Server) removeParticipant(c *fiber.Ctx) error {
	if err := s.cmd.RemoveParticipant(c.UserContext(), c.Params("id"), middleware.UserID(c), c.Params("participantId")); err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, fiber.Map{"removed": c.Params("participantId")})
}

func (s *Server) search(c *fiber.Ctx) error {
	hits, err := s.qry.SearchMessages(c.UserContext(), middleware.UserID(c), c.Query("q"), c.Query("conversationId"))
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, hits)
}
