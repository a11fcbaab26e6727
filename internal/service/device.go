package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"license-authority/internal/apperr"
	"license-authority/internal/clock"
	"license-authority/internal/database"
	"license-authority/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxFingerprintLen = 255

// Registry 设备指纹与许可证名额的绑定
type Registry struct {
	db     *gorm.DB
	clock  clock.Clock
	logger *slog.Logger
}

func NewRegistry(db *gorm.DB, clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{db: db, clock: clk, logger: logger}
}

func checkFingerprint(fingerprint string) error {
	if fingerprint == "" {
		return apperr.InvalidInput("设备指纹不能为空")
	}
	if len(fingerprint) > maxFingerprintLen {
		return apperr.InvalidInput("设备指纹长度不能超过 %d", maxFingerprintLen)
	}
	return nil
}

// Admit 已绑定的指纹刷新 last_seen；新指纹在名额内占用一个槽位。
// created 表示本次是否新增了槽位。
func (r *Registry) Admit(ctx context.Context, licenseID uint, fingerprint string) (created bool, err error) {
	if err := checkFingerprint(fingerprint); err != nil {
		return false, err
	}

	now := r.clock.Now()
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := database.AdvisoryLock(tx, licenseLockKey(licenseID)); err != nil {
			return err
		}

		var license model.License
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&license, licenseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("许可证 %d 不存在", licenseID)
			}
			return err
		}

		res := tx.Model(&model.DeviceSlot{}).
			Where("license_id = ? AND fingerprint = ?", licenseID, fingerprint).
			Update("last_seen_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var count int64
		if err := tx.Model(&model.DeviceSlot{}).Where("license_id = ?", licenseID).Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(license.MaxDevices) {
			return apperr.Newf(apperr.KindDeviceLimitReached, "已达到最大设备数量限制 (%d)", license.MaxDevices)
		}

		created = true
		return tx.Create(&model.DeviceSlot{
			LicenseID:   licenseID,
			Fingerprint: fingerprint,
			LastSeenAt:  now,
			CreatedAt:   now,
		}).Error
	})
	if err != nil {
		return false, database.Classify("绑定设备", err)
	}

	if created {
		r.logger.InfoContext(ctx, "device admitted", "license_id", licenseID)
	}
	return created, nil
}

// CountActive 许可证已占用的设备数
func (r *Registry) CountActive(ctx context.Context, licenseID uint) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.DeviceSlot{}).
		Where("license_id = ?", licenseID).Count(&count).Error; err != nil {
		return 0, database.Classify("统计设备", err)
	}
	return count, nil
}

// EvictStale 删除超过 olderThan 未出现的设备，校验流程不会调用
func (r *Registry) EvictStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, apperr.InvalidInput("olderThan 必须大于0")
	}

	cutoff := r.clock.Now().Add(-olderThan)
	res := r.db.WithContext(ctx).Where("last_seen_at < ?", cutoff).Delete(&model.DeviceSlot{})
	if res.Error != nil {
		return 0, database.Classify("清理过期设备", res.Error)
	}

	r.logger.InfoContext(ctx, "stale devices evicted", "count", res.RowsAffected, "cutoff", cutoff)
	return res.RowsAffected, nil
}

// Release 解绑一个设备，幂等
func (r *Registry) Release(ctx context.Context, licenseID uint, fingerprint string) (bool, error) {
	if err := checkFingerprint(fingerprint); err != nil {
		return false, err
	}

	var released bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := database.AdvisoryLock(tx, licenseLockKey(licenseID)); err != nil {
			return err
		}
		res := tx.Where("license_id = ? AND fingerprint = ?", licenseID, fingerprint).Delete(&model.DeviceSlot{})
		released = res.RowsAffected > 0
		return res.Error
	})
	if err != nil {
		return false, database.Classify("解绑设备", err)
	}
	return released, nil
}

// List 许可证下的全部设备
func (r *Registry) List(ctx context.Context, licenseID uint) ([]model.DeviceSlot, error) {
	var slots []model.DeviceSlot
	if err := r.db.WithContext(ctx).Where("license_id = ?", licenseID).
		Order("last_seen_at DESC").Find(&slots).Error; err != nil {
		return nil, database.Classify("查询设备列表", err)
	}
	return slots, nil
}
