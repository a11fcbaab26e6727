package handler

import (
	"license-authority/internal/model"

	"github.com/gofiber/fiber/v2"
)

// HandleHeartbeat 会话被取代时返回 valid=false，基础设施故障返回 503
func (h *Handler) HandleHeartbeat(c *fiber.Ctx) error {
	input := new(model.HeartbeatRequest)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}

	result, err := h.authority.Heartbeat(c.UserContext(), input.AccountID, input.SessionToken)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

func (h *Handler) HandleLogout(c *fiber.Ctx) error {
	input := new(model.HeartbeatRequest)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}

	if err := h.authority.Logout(c.UserContext(), input.AccountID, input.SessionToken); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": "已退出登录",
	})
}
