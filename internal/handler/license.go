package handler

import (
	"net/url"
	"strconv"
	"time"

	"license-authority/internal/apperr"
	"license-authority/internal/model"
	"license-authority/internal/service"

	"github.com/gofiber/fiber/v2"
)

// HandleLicenseVerify 客户端校验许可证并占用设备名额
func (h *Handler) HandleLicenseVerify(c *fiber.Ctx) error {
	input := new(model.ValidateLicenseRequest)
	if err := c.QueryParser(input); err != nil {
		return badRequest(c, "无效的查询参数")
	}
	if input.Key == "" {
		return badRequest(c, "许可证密钥不能为空")
	}

	ctx := c.UserContext()
	result, err := h.authority.ValidateLicense(ctx, input.Key, input.Fingerprint)
	if err != nil {
		return respondError(c, err)
	}

	usage := &model.LicenseUsage{
		LicenseKey:  input.Key,
		Fingerprint: input.Fingerprint,
		Action:      "validate",
		Valid:       result.Valid,
		Code:        string(result.Code),
		IPAddress:   c.IP(),
		UserAgent:   c.Get("User-Agent"),
		Timestamp:   h.clock.Now(),
	}
	if err := h.reporter.RecordUsage(ctx, usage); err != nil {
		h.logger.WarnContext(ctx, "record license usage failed", "error", err)
	}

	return c.JSON(result)
}

// HandleMyLicense 当前账户的许可证
func (h *Handler) HandleMyLicense(c *fiber.Ctx) error {
	license, err := h.authority.Ledger().GetByAccount(c.UserContext(), currentAccountID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(license)
}

// HandleLicenseIssue 管理员签发许可证，旧许可证和设备绑定一并清除
func (h *Handler) HandleLicenseIssue(c *fiber.Ctx) error {
	input := new(model.IssueLicenseRequest)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}

	license, err := h.authority.IssueLicense(c.UserContext(), *input)
	if err != nil {
		return respondError(c, err)
	}

	h.logOperation(c, service.ActionIssueLicense, "license", strconv.FormatUint(uint64(license.ID), 10), input)
	return c.Status(fiber.StatusCreated).JSON(license)
}

// HandleLicenseExtend 续期。已停用的许可证续期后会重新激活，操作日志的 reactivated 字段记录这一点
func (h *Handler) HandleLicenseExtend(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "无效的许可证ID")
	}
	input := new(model.ExtendLicenseRequest)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}

	ctx := c.UserContext()
	prior, err := h.authority.Ledger().Get(ctx, id)
	if err != nil {
		return respondError(c, err)
	}

	license, err := h.authority.ExtendLicense(ctx, id, input.AdditionalDays)
	if err != nil {
		return respondError(c, err)
	}

	h.logOperation(c, service.ActionExtendLicense, "license", c.Params("id"), fiber.Map{
		"additional_days": input.AdditionalDays,
		"reactivated":     !prior.Active,
	})
	return c.JSON(license)
}

func (h *Handler) HandleLicenseDeactivate(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "无效的许可证ID")
	}

	if err := h.authority.DeactivateLicense(c.UserContext(), id); err != nil {
		return respondError(c, err)
	}

	h.logOperation(c, service.ActionDeactivateLicense, "license", c.Params("id"), nil)
	return c.JSON(fiber.Map{
		"message": "许可证已停用",
	})
}

// HandleLicenseSweep 手动触发过期清理
func (h *Handler) HandleLicenseSweep(c *fiber.Ctx) error {
	n, err := h.authority.SweepExpiredLicenses(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}

	h.logOperation(c, service.ActionSweepLicenses, "license", "", fiber.Map{"deactivated": n})
	return c.JSON(fiber.Map{
		"deactivated": n,
	})
}

// HandleGetAllLicenses 管理员分页查询许可证
func (h *Handler) HandleGetAllLicenses(c *fiber.Ctx) error {
	query := new(service.ListQuery)
	if err := c.QueryParser(query); err != nil {
		return badRequest(c, "无效的查询参数")
	}

	licenses, total, err := h.authority.Ledger().List(c.UserContext(), *query)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"licenses": licenses,
		"total":    total,
		"page":     query.Page,
		"size":     query.PageSize,
	})
}

func (h *Handler) HandleGetLicense(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "无效的许可证ID")
	}

	license, err := h.authority.Ledger().Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(license)
}

// HandleLicenseUsage 查询许可证最近的校验记录
func (h *Handler) HandleLicenseUsage(c *fiber.Ctx) error {
	key := c.Params("key")
	if !service.ValidKeyFormat(key) {
		return badRequest(c, "许可证密钥格式错误")
	}
	limit, _ := strconv.Atoi(c.Query("limit", "20"))

	usages, err := h.reporter.UsageByKey(c.UserContext(), key, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"usages": usages,
	})
}

func (h *Handler) HandleLicenseDevices(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "无效的许可证ID")
	}

	devices, err := h.authority.ListDevices(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"devices": devices,
		"total":   len(devices),
	})
}

// HandleReleaseDevice 解绑指定指纹
func (h *Handler) HandleReleaseDevice(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "无效的许可证ID")
	}
	// fiber 不解码路径参数
	fingerprint, err := url.PathUnescape(c.Params("fingerprint"))
	if err != nil || fingerprint == "" {
		return badRequest(c, "无效的设备指纹")
	}

	if err := h.authority.ReleaseDevice(c.UserContext(), id, fingerprint); err != nil {
		return respondError(c, err)
	}

	h.logOperation(c, service.ActionReleaseDevice, "license", c.Params("id"), fiber.Map{"fingerprint": fingerprint})
	return c.JSON(fiber.Map{
		"message": "设备已解绑",
	})
}

func (h *Handler) HandleEvictStaleDevices(c *fiber.Ctx) error {
	input := new(model.EvictStaleRequest)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}
	if input.OlderThanDays < 1 {
		return badRequest(c, "天数必须大于 0")
	}

	n, err := h.authority.EvictStaleDevices(c.UserContext(), time.Duration(input.OlderThanDays)*24*time.Hour)
	if err != nil {
		return respondError(c, err)
	}

	h.logOperation(c, service.ActionEvictDevices, "device", "", input)
	return c.JSON(fiber.Map{
		"evicted": n,
	})
}

// HandleExportSheet 全量覆盖在线表格
func (h *Handler) HandleExportSheet(c *fiber.Ctx) error {
	if h.mirror == nil {
		return respondError(c, apperr.New(apperr.KindUnavailable, "未启用表格同步"))
	}

	ctx := c.UserContext()
	licenses, err := h.authority.Ledger().All(ctx)
	if err != nil {
		return respondError(c, err)
	}
	if err := h.mirror.BatchSyncLicenses(ctx, licenses); err != nil {
		h.logger.ErrorContext(ctx, "export sheet failed", "error", err)
		return respondError(c, apperr.Wrap(apperr.KindUnavailable, "同步表格失败", err))
	}

	h.logOperation(c, service.ActionExportSheet, "license", "", fiber.Map{"count": len(licenses)})
	return c.JSON(fiber.Map{
		"exported": len(licenses),
	})
}
