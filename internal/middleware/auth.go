package middleware

import (
	"strings"

	"license-authority/internal/service"
	"license-authority/internal/util"

	"github.com/gofiber/fiber/v2"
)

// Auth 校验 Bearer 令牌，账户 ID 写入 Locals("accountID")
func Auth(tokens *util.TokenIssuer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "未提供认证令牌",
			})
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "无效的认证格式",
			})
		}

		accountID, err := tokens.ValidateToken(tokenParts[1])
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "无效的认证令牌",
			})
		}

		c.Locals("accountID", accountID)
		return c.Next()
	}
}

// AdminOnly 必须挂在 Auth 之后
func AdminOnly(accounts service.AccountStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		accountID, ok := c.Locals("accountID").(uint)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "未提供认证令牌",
			})
		}

		account, err := accounts.GetAccount(c.UserContext(), accountID)
		if err != nil || !account.IsAdmin() || !account.IsActive() {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "需要管理员权限",
			})
		}

		return c.Next()
	}
}
