package handler

import (
	"errors"
	"strconv"

	"license-authority/internal/apperr"
	"license-authority/internal/model"
	"license-authority/internal/service"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

type RegisterInput struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=6"`
	Email    string `json:"email" validate:"required,email"`
}

type LoginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	Device   string `json:"device" validate:"max=255"`
}

// HandleUserRegister 注册账户并发放免费试用许可证
func (h *Handler) HandleUserRegister(c *fiber.Ctx) error {
	input := new(RegisterInput)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}
	if err := h.validate.Struct(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "密码加密失败",
		})
	}

	account := &model.Account{
		Username: input.Username,
		Password: string(hashedPassword),
		Email:    input.Email,
	}
	license, err := h.authority.RegisterAccount(c.UserContext(), account)
	if err != nil {
		h.logger.WarnContext(c.UserContext(), "register account failed", "username", input.Username, "error", err)
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"user":    account,
		"license": license,
	})
}

// HandleUserLogin 校验密码后建立会话，旧会话超过宽限期会被取代
func (h *Handler) HandleUserLogin(c *fiber.Ctx) error {
	input := new(LoginInput)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}
	if err := h.validate.Struct(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}

	ctx := c.UserContext()
	account, err := h.accounts.GetByUsername(ctx, input.Username)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "用户名或密码错误",
			})
		}
		return respondError(c, err)
	}

	entry := &model.LoginLog{
		AccountID: account.ID,
		IP:        c.IP(),
		UserAgent: c.Get("User-Agent"),
		Device:    input.Device,
		Status:    "success",
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.Password), []byte(input.Password)); err != nil {
		entry.Status = "failed"
		h.recordLogin(c, entry)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "用户名或密码错误",
		})
	}

	session, err := h.authority.LoginDetailed(ctx, account.ID, input.Device)
	if err != nil {
		return respondError(c, err)
	}

	token, err := h.tokens.GenerateToken(account.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "令牌生成失败",
		})
	}
	h.recordLogin(c, entry)

	license, err := h.authority.Ledger().GetByAccount(ctx, account.ID)
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"token":         token,
		"session_token": session.Token,
		"reused":        session.Reused,
		"user":          account,
		"license":       license,
	})
}

func (h *Handler) recordLogin(c *fiber.Ctx, entry *model.LoginLog) {
	if err := h.accounts.RecordLogin(c.UserContext(), entry, h.clock.Now()); err != nil {
		h.logger.WarnContext(c.UserContext(), "record login failed", "account_id", entry.AccountID, "error", err)
	}
}

func (h *Handler) HandleUserInfo(c *fiber.Ctx) error {
	account, err := h.accounts.GetAccount(c.UserContext(), currentAccountID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(account)
}

func (h *Handler) HandleGetLoginLogs(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "10"))

	logs, total, err := h.accounts.LoginLogs(c.UserContext(), currentAccountID(c), page, pageSize)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  page,
		"size":  pageSize,
	})
}

// HandleChangePassword 修改当前账户密码
func (h *Handler) HandleChangePassword(c *fiber.Ctx) error {
	type ChangePasswordInput struct {
		CurrentPassword string `json:"currentPassword" validate:"required"`
		NewPassword     string `json:"newPassword" validate:"required,min=6"`
	}

	input := new(ChangePasswordInput)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}
	if err := h.validate.Struct(input); err != nil {
		return badRequest(c, "无效的输入数据")
	}

	ctx := c.UserContext()
	account, err := h.accounts.GetAccount(ctx, currentAccountID(c))
	if err != nil {
		return respondError(c, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.Password), []byte(input.CurrentPassword)); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "当前密码错误",
		})
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "密码加密失败",
		})
	}
	if err := h.accounts.UpdatePassword(ctx, account.ID, string(hashedPassword)); err != nil {
		return respondError(c, err)
	}

	h.logOperation(c, service.ActionChangePassword, "account", strconv.FormatUint(uint64(account.ID), 10), nil)
	return c.JSON(fiber.Map{
		"message": "密码更新成功",
	})
}

// HandleValidateToken 校验管理令牌是否有效
func (h *Handler) HandleValidateToken(c *fiber.Ctx) error {
	type TokenInput struct {
		Token string `json:"token"`
	}

	input := new(TokenInput)
	if err := c.BodyParser(input); err != nil || input.Token == "" {
		return badRequest(c, "无效的输入数据")
	}

	accountID, err := h.tokens.ValidateToken(input.Token)
	if err != nil {
		return c.JSON(fiber.Map{"valid": false})
	}

	account, err := h.accounts.GetAccount(c.UserContext(), accountID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return c.JSON(fiber.Map{"valid": false})
		}
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"valid": true,
		"user":  account,
	})
}
