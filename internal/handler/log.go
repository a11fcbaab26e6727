package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// HandleGetLogs 管理员查看全部操作日志，可按 account_id 过滤
func (h *Handler) HandleGetLogs(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "10"))
	accountID, _ := strconv.ParseUint(c.Query("account_id", "0"), 10, 64)

	logs, total, err := h.audit.GetOperationLogs(c.UserContext(), uint(accountID), page, pageSize)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  page,
	})
}

func (h *Handler) HandleGetUserLogs(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "10"))

	logs, total, err := h.audit.GetOperationLogs(c.UserContext(), currentAccountID(c), page, pageSize)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  page,
	})
}
