package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

const dateLayout = "2006-01-02"

// HandleLicenseStatistics 处理许可证统计信息请求
func (h *Handler) HandleLicenseStatistics(c *fiber.Ctx) error {
	now := h.clock.Now()
	start := now.AddDate(0, 0, -30)
	end := now

	if v := c.Query("start_date"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "开始日期格式错误",
				"errors": []fiber.Map{
					{"field": "start_date", "message": "日期格式应为 YYYY-MM-DD"},
				},
			})
		}
		start = t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "结束日期格式错误",
				"errors": []fiber.Map{
					{"field": "end_date", "message": "日期格式应为 YYYY-MM-DD"},
				},
			})
		}
		// 结束日期包含当天
		end = t.AddDate(0, 0, 1)
	}
	if !start.Before(end) {
		return badRequest(c, "开始日期必须早于结束日期")
	}

	stats, err := h.reporter.Statistics(c.UserContext(), start, end)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"data":         stats,
		"success_rate": stats.GetSuccessRate(),
	})
}
