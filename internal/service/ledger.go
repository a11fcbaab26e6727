package service

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"license-authority/internal/apperr"
	"license-authority/internal/clock"
	"license-authority/internal/database"
	"license-authority/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyGroups   = 4
	keyGroupLen = 4

	lifetimeYears = 100
)

var keyPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

var licenseTypes = map[string]bool{
	model.LicenseFree:     true,
	model.LicenseTrial:    true,
	model.LicenseBasic:    true,
	model.LicenseStandard: true,
	model.LicensePremium:  true,
	model.LicenseLifetime: true,
}

// Ledger 许可证的签发、校验、续期与停用
type Ledger struct {
	db     *gorm.DB
	clock  clock.Clock
	logger *slog.Logger
}

func NewLedger(db *gorm.DB, clk clock.Clock, logger *slog.Logger) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, clock: clk, logger: logger}
}

// withTx 在外层事务内操作，Issue 等方法的事务退化为保存点
func (l *Ledger) withTx(tx *gorm.DB) *Ledger {
	cp := *l
	cp.db = tx
	return &cp
}

// generateLicenseKey 生成 XXXX-XXXX-XXXX-XXXX 格式的密钥
func generateLicenseKey() (string, error) {
	var sb strings.Builder
	n := big.NewInt(int64(len(keyAlphabet)))
	for g := 0; g < keyGroups; g++ {
		if g > 0 {
			sb.WriteByte('-')
		}
		for i := 0; i < keyGroupLen; i++ {
			idx, err := rand.Int(rand.Reader, n)
			if err != nil {
				return "", err
			}
			sb.WriteByte(keyAlphabet[idx.Int64()])
		}
	}
	return sb.String(), nil
}

// ValidKeyFormat 检查密钥格式
func ValidKeyFormat(key string) bool {
	return keyPattern.MatchString(key)
}

func expiryFor(licenseType string, units int, from time.Time) time.Time {
	switch {
	case licenseType == model.LicenseLifetime:
		return from.AddDate(lifetimeYears, 0, 0)
	case model.UsesMinutes(licenseType):
		return from.Add(time.Duration(units) * time.Minute)
	default:
		return from.AddDate(0, 0, units)
	}
}

func accountLockKey(accountID uint) string {
	return "account:" + strconv.FormatUint(uint64(accountID), 10)
}

func licenseLockKey(licenseID uint) string {
	return "license:" + strconv.FormatUint(uint64(licenseID), 10)
}

// Issue 为账户签发新许可证，同一事务内删除旧许可证及其设备
func (l *Ledger) Issue(ctx context.Context, req model.IssueLicenseRequest) (*model.License, error) {
	if req.AccountID == 0 {
		return nil, apperr.InvalidInput("账户ID不能为空")
	}
	if !licenseTypes[req.Type] {
		return nil, apperr.InvalidInput("无效的许可证类型: %s", req.Type)
	}
	if req.DurationUnits <= 0 {
		return nil, apperr.InvalidInput("有效期必须大于0")
	}
	if req.MaxDevices < 1 {
		return nil, apperr.InvalidInput("设备数量至少为1")
	}

	key, err := generateLicenseKey()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "生成许可证密钥失败", err)
	}

	now := l.clock.Now()
	license := &model.License{
		AccountID:  req.AccountID,
		Key:        key,
		Type:       req.Type,
		ExpiresAt:  expiryFor(req.Type, req.DurationUnits, now),
		MaxDevices: req.MaxDevices,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := database.AdvisoryLock(tx, accountLockKey(req.AccountID)); err != nil {
			return err
		}

		var priorIDs []uint
		if err := tx.Model(&model.License{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ?", req.AccountID).
			Pluck("id", &priorIDs).Error; err != nil {
			return err
		}
		if len(priorIDs) > 0 {
			if err := tx.Where("license_id IN ?", priorIDs).Delete(&model.DeviceSlot{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", priorIDs).Delete(&model.License{}).Error; err != nil {
				return err
			}
		}

		return tx.Create(license).Error
	})
	if err != nil {
		return nil, database.Classify("签发许可证", err)
	}

	l.logger.InfoContext(ctx, "license issued",
		"account_id", req.AccountID,
		"license_id", license.ID,
		"type", license.Type,
		"expires_at", license.ExpiresAt)

	license.FillRemaining(now)
	return license, nil
}

// Validate 只读校验：密钥存在且 active，且未过期
func (l *Ledger) Validate(ctx context.Context, key string) (*model.License, error) {
	if !ValidKeyFormat(key) {
		return nil, apperr.InvalidInput("许可证密钥格式错误")
	}

	var license model.License
	err := l.db.WithContext(ctx).Where("key = ? AND active = ?", key, true).First(&license).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("许可证不存在或已停用")
	}
	if err != nil {
		return nil, database.Classify("查询许可证", err)
	}

	now := l.clock.Now()
	if !license.IsValid(now) {
		return nil, apperr.Newf(apperr.KindExpired, "许可证已于 %s 过期", license.ExpiresAt.Format(time.RFC3339))
	}

	license.FillRemaining(now)
	return &license, nil
}

// Extend 从 max(过期时间, 当前时间) 起顺延，并重新激活
func (l *Ledger) Extend(ctx context.Context, licenseID uint, additionalDays int) (*model.License, error) {
	if additionalDays < 1 {
		return nil, apperr.InvalidInput("续期天数至少为1")
	}

	now := l.clock.Now()
	var license model.License
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := database.AdvisoryLock(tx, licenseLockKey(licenseID)); err != nil {
			return err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&license, licenseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("许可证 %d 不存在", licenseID)
			}
			return err
		}

		base := license.ExpiresAt
		if now.After(base) {
			base = now
		}
		license.ExpiresAt = base.AddDate(0, 0, additionalDays)
		license.Active = true
		license.UpdatedAt = now

		return tx.Model(&license).Updates(map[string]interface{}{
			"expires_at": license.ExpiresAt,
			"active":     true,
			"updated_at": now,
		}).Error
	})
	if err != nil {
		return nil, database.Classify("续期许可证", err)
	}

	l.logger.InfoContext(ctx, "license extended",
		"license_id", licenseID,
		"days", additionalDays,
		"expires_at", license.ExpiresAt)

	license.FillRemaining(now)
	return &license, nil
}

// Deactivate 幂等停用
func (l *Ledger) Deactivate(ctx context.Context, licenseID uint) error {
	now := l.clock.Now()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := database.AdvisoryLock(tx, licenseLockKey(licenseID)); err != nil {
			return err
		}
		res := tx.Model(&model.License{}).Where("id = ?", licenseID).
			Updates(map[string]interface{}{"active": false, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("许可证 %d 不存在", licenseID)
		}
		return nil
	})
	if err != nil {
		return database.Classify("停用许可证", err)
	}

	l.logger.InfoContext(ctx, "license deactivated", "license_id", licenseID)
	return nil
}

// SweepExpired 批量停用已过期的许可证
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	now := l.clock.Now()
	res := l.db.WithContext(ctx).Model(&model.License{}).
		Where("active = ? AND expires_at <= ?", true, now).
		Updates(map[string]interface{}{"active": false, "updated_at": now})
	if res.Error != nil {
		return 0, database.Classify("清理过期许可证", res.Error)
	}

	if res.RowsAffected > 0 {
		l.logger.InfoContext(ctx, "expired licenses swept", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// Get 按 ID 查询
func (l *Ledger) Get(ctx context.Context, licenseID uint) (*model.License, error) {
	var license model.License
	err := l.db.WithContext(ctx).First(&license, licenseID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("许可证 %d 不存在", licenseID)
	}
	if err != nil {
		return nil, database.Classify("查询许可证", err)
	}
	license.FillRemaining(l.clock.Now())
	return &license, nil
}

// GetByAccount 查询账户当前的许可证
func (l *Ledger) GetByAccount(ctx context.Context, accountID uint) (*model.License, error) {
	var license model.License
	err := l.db.WithContext(ctx).Where("account_id = ?", accountID).First(&license).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("账户 %d 没有许可证", accountID)
	}
	if err != nil {
		return nil, database.Classify("查询许可证", err)
	}
	license.FillRemaining(l.clock.Now())
	return &license, nil
}

// ListQuery 许可证列表查询参数
type ListQuery struct {
	Page     int    `query:"page"`
	PageSize int    `query:"page_size"`
	Type     string `query:"type"`
	Active   string `query:"active"`
}

// List 分页查询许可证
func (l *Ledger) List(ctx context.Context, q ListQuery) ([]model.License, int64, error) {
	q.Page, q.PageSize = clampPage(q.Page, q.PageSize)

	db := l.db.WithContext(ctx).Model(&model.License{})
	if q.Type != "" {
		db = db.Where("type = ?", q.Type)
	}
	switch q.Active {
	case "true":
		db = db.Where("active = ?", true)
	case "false":
		db = db.Where("active = ?", false)
	case "":
	default:
		return nil, 0, apperr.InvalidInput("active 参数只能为 true 或 false")
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, database.Classify("统计许可证", err)
	}

	var licenses []model.License
	offset := (q.Page - 1) * q.PageSize
	if err := db.Order("id DESC").Offset(offset).Limit(q.PageSize).Find(&licenses).Error; err != nil {
		return nil, 0, database.Classify("查询许可证列表", err)
	}

	now := l.clock.Now()
	for i := range licenses {
		licenses[i].FillRemaining(now)
	}
	return licenses, total, nil
}

// All 导出全部许可证
func (l *Ledger) All(ctx context.Context) ([]*model.License, error) {
	var licenses []*model.License
	if err := l.db.WithContext(ctx).Order("id ASC").Find(&licenses).Error; err != nil {
		return nil, database.Classify("导出许可证", err)
	}
	return licenses, nil
}
