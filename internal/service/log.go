package service

import (
	"context"
	"encoding/json"
	"time"

	"license-authority/internal/database"
	"license-authority/internal/model"

	"gorm.io/gorm"
)

// 操作类型
const (
	ActionIssueLicense      = "issue_license"
	ActionExtendLicense     = "extend_license"
	ActionDeactivateLicense = "deactivate_license"
	ActionSweepLicenses     = "sweep_licenses"
	ActionReleaseDevice     = "release_device"
	ActionEvictDevices      = "evict_devices"
	ActionExportSheet       = "export_sheet"
	ActionChangePassword    = "change_password"
)

// AuditLog 管理操作审计
type AuditLog struct {
	db *gorm.DB
}

func NewAuditLog(db *gorm.DB) *AuditLog {
	return &AuditLog{db: db}
}

// LogOperation 记录一条管理操作
func (a *AuditLog) LogOperation(ctx context.Context, accountID uint, action, target, targetID string, details interface{}) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}

	entry := &model.OperationLog{
		AccountID: accountID,
		Action:    action,
		Target:    target,
		TargetID:  targetID,
		Details:   string(detailsJSON),
		CreatedAt: time.Now().UTC(),
	}
	return database.Classify("记录操作日志", a.db.WithContext(ctx).Create(entry).Error)
}

// GetOperationLogs 获取操作日志列表，accountID 为 0 时不过滤
func (a *AuditLog) GetOperationLogs(ctx context.Context, accountID uint, page, pageSize int) ([]model.OperationLog, int64, error) {
	page, pageSize = clampPage(page, pageSize)

	var logs []model.OperationLog
	var total int64

	db := a.db.WithContext(ctx).Model(&model.OperationLog{})
	if accountID != 0 {
		db = db.Where("account_id = ?", accountID)
	}

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, database.Classify("统计操作日志", err)
	}

	offset := (page - 1) * pageSize
	if err := db.Order("created_at DESC").Offset(offset).Limit(pageSize).Find(&logs).Error; err != nil {
		return nil, 0, database.Classify("查询操作日志", err)
	}

	return logs, total, nil
}
