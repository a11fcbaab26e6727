package middleware

import (
	"errors"
	"strconv"
	"time"

	"license-authority/internal/metrics"

	"github.com/gofiber/fiber/v2"
)

// Metrics 按路由模板记录请求数与耗时
func Metrics(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		started := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var e *fiber.Error
			if errors.As(err, &e) {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		m.ObserveHTTP(c.Method(), c.Route().Path, strconv.Itoa(status), time.Since(started))
		return err
	}
}
