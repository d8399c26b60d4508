package api

import (
	"encoding/base64"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/securechat/internal/domain"
	"github.com/fathima-sithara/securechat/internal/middleware"
	"github.com/fathima-sithara/securechat/internal/utils"
)

type registerKeyReq struct {
	DeviceID    string `json:"deviceId" validate:"required,max=128"`
	PublicKey   string `json:"publicKey" validate:"required,base64"`
	Fingerprint string `json:"fingerprint" validate:"max=128"`
}

func (s *Server) registerKey(c *fiber.Ctx) error {
	var req registerKeyReq
	if ok, err := bind(c, &req); !ok {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "publicKey must be base64 encoded")
	}
	k, err := s.keys.RegisterKey(c.UserContext(), middleware.UserID(c), req.DeviceID, raw, req.Fingerprint)
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, k)
}

func (s *Server) getKeys(c *fiber.Ctx) error {
	ks, err := s.keys.GetKeys(c.UserContext(), c.Params("userId"))
	if err != nil {
		return s.fail(c, err)
	}
	if ks == nil {
		ks = []domain.DeviceKey{}
	}
	return utils.JSONSuccess(c, fiber.StatusOK, ks)
}

type bulkKeysReq struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,max=256,dive,required"`
}

func (s *Server) bulkKeys(c *fiber.Ctx) error {
	var req bulkKeysReq
	if ok, err := bind(c, &req); !ok {
		return err
	}
	out, err := s.keys.GetBulkKeys(c.UserContext(), req.UserIDs)
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, out)
}

// deactivateKey only ever touches the caller's own devices.
func (s *Server) deactivateKey(c *fiber.Ctx) error {
	if err := s.keys.DeactivateKey(c.UserContext(), middleware.UserID(c), c.Params("deviceId")); err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, fiber.Map{"deactivated": c.Params("deviceId")})
}

func (s *Server) safetyNumber(c *fiber.Ctx) error {
	mine := strings.TrimSpace(c.Query("myDeviceId"))
	theirs := strings.TrimSpace(c.Query("theirDeviceId"))
	if mine == "" || theirs == "" {
		return utils.JSONError(c, fiber.StatusBadRequest, "myDeviceId and theirDeviceId are required")
	}
	num, err := s.keys.SafetyNumber(c.UserContext(), middleware.UserID(c), mine, c.Params("userId"), theirs)
	if err != nil {
		return s.fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, fiber.Map{"safetyNumber": num})
}

func (s *Server) getPresence(c *fiber.Ctx) error {
	userID := c.Params("userId")
	out := fiber.Map{"userId": userID, "online": s.ws.Hub().IsOnline(userID)}
	if s.presence != nil {
		p, err := s.presence.Get(c.UserContext(), userID)
		if err != nil {
			s.log.Warnw("presence lookup failed", "user_id", userID, "error", err)
		} else if p.LastSeen > 0 {
			out["lastSeen"] = p.LastSeen
		}
	}
	return utils.JSONSuccess(c, fiber.StatusOK, out)
}
