package handler

import (
	"github.com/gofiber/fiber/v2"
)

// Register 挂载 /api/v1 路由；auth 和 admin 由调用方注入
func (h *Handler) Register(app fiber.Router, auth, admin fiber.Handler) {
	api := app.Group("/api/v1")

	// 认证路由
	authGroup := api.Group("/auth")
	authGroup.Post("/validate-token", h.HandleValidateToken)
	authGroup.Post("/change-password", auth, h.HandleChangePassword)

	// 用户路由
	users := api.Group("/users")
	users.Post("/register", h.HandleUserRegister)
	users.Post("/login", h.HandleUserLogin)
	users.Get("/info", auth, h.HandleUserInfo)
	users.Get("/login-logs", auth, h.HandleGetLoginLogs)
	users.Get("/logs", auth, h.HandleGetUserLogs)

	// 会话路由，凭会话令牌访问
	sessions := api.Group("/sessions")
	sessions.Post("/heartbeat", h.HandleHeartbeat)
	sessions.Post("/logout", h.HandleLogout)

	// 许可证路由
	licenses := api.Group("/licenses")
	licenses.Get("/verify", h.HandleLicenseVerify)
	licenses.Get("/mine", auth, h.HandleMyLicense)

	// 管理员专用路由
	adminGroup := api.Group("/admin", auth, admin)
	adminGroup.Get("/licenses", h.HandleGetAllLicenses)
	adminGroup.Post("/licenses", h.HandleLicenseIssue)
	adminGroup.Post("/licenses/sweep", h.HandleLicenseSweep)
	adminGroup.Post("/licenses/export", h.HandleExportSheet)
	adminGroup.Get("/licenses/statistics", h.HandleLicenseStatistics)
	adminGroup.Get("/licenses/usage/:key", h.HandleLicenseUsage)
	adminGroup.Get("/licenses/:id", h.HandleGetLicense)
	adminGroup.Post("/licenses/:id/extend", h.HandleLicenseExtend)
	adminGroup.Post("/licenses/:id/deactivate", h.HandleLicenseDeactivate)
	adminGroup.Get("/licenses/:id/devices", h.HandleLicenseDevices)
	adminGroup.Delete("/licenses/:id/devices/:fingerprint", h.HandleReleaseDevice)
	adminGroup.Post("/devices/evict-stale", h.HandleEvictStaleDevices)
	adminGroup.Get("/logs", h.HandleGetLogs)
	adminGroup.Post("/secrets/encrypt", h.HandleEncryptSecret)
	adminGroup.Post("/secrets/decrypt", h.HandleDecryptSecret)
}
