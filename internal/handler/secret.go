package handler

import (
	"license-authority/internal/model"

	"github.com/gofiber/fiber/v2"
)

func (h *Handler) HandleEncryptSecret(c *fiber.Ctx) error {
	input := new(model.SecretRequest)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}

	envelope, err := h.authority.EncryptSecret(input.Value)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"value": envelope})
}

// HandleDecryptSecret 空密文返回 404，格式错误返回 400
func (h *Handler) HandleDecryptSecret(c *fiber.Ctx) error {
	input := new(model.SecretRequest)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}

	plaintext, err := h.authority.DecryptSecret(input.Value)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"value": plaintext})
}
