package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/securechat/internal/auth"
	"github.com/fathima-sithara/securechat/internal/utils"
)

const userIDKey = "user_id"

func JWTAuth(v auth.Validator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return utils.JSONError(c, fiber.StatusUnauthorized, "missing auth")
		}
		userID, err := v.Validate(token)
		if err != nil {
			return utils.JSONError(c, fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals(userIDKey, userID)
		return c.Next()
	}
}

// UserID returns the caller set by JWTAuth, or "".
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(userIDKey).(string)
	return id
}
