package handler

import (
	"log/slog"
	"strconv"

	"license-authority/internal/apperr"
	"license-authority/internal/clock"
	"license-authority/internal/service"
	"license-authority/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// Handler HTTP 适配层，所有依赖显式注入
type Handler struct {
	authority *service.Authority
	accounts  *service.GormAccountStore
	audit     *service.AuditLog
	reporter  *service.Reporter
	mirror    service.LicenseMirror
	tokens    *util.TokenIssuer
	clock     clock.Clock
	validate  *validator.Validate
	logger    *slog.Logger
}

type Deps struct {
	Authority *service.Authority
	Accounts  *service.GormAccountStore
	Audit     *service.AuditLog
	Reporter  *service.Reporter
	Mirror    service.LicenseMirror
	Tokens    *util.TokenIssuer
	Clock     clock.Clock
	Logger    *slog.Logger
}

func New(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{
		authority: d.Authority,
		accounts:  d.Accounts,
		audit:     d.Audit,
		reporter:  d.Reporter,
		mirror:    d.Mirror,
		tokens:    d.Tokens,
		clock:     d.Clock,
		validate:  validator.New(),
		logger:    d.Logger,
	}
}

// respondError 按错误类别返回状态码
func respondError(c *fiber.Ctx, err error) error {
	kind := apperr.KindOf(err)
	return c.Status(apperr.HTTPStatus(kind)).JSON(fiber.Map{
		"error": apperr.MessageOf(err),
		"code":  kind,
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
		"code":  apperr.KindInvalidInput,
	})
}

func paramID(c *fiber.Ctx, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func currentAccountID(c *fiber.Ctx) uint {
	id, _ := c.Locals("accountID").(uint)
	return id
}

// logOperation 审计失败只记录日志
func (h *Handler) logOperation(c *fiber.Ctx, action, target, targetID string, details interface{}) {
	if err := h.audit.LogOperation(c.UserContext(), currentAccountID(c), action, target, targetID, details); err != nil {
		h.logger.WarnContext(c.UserContext(), "record operation log failed", "action", action, "error", err)
	}
}
