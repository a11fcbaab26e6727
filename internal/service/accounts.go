package service

import (
	"context"
	"errors"
	"time"

	"license-authority/internal/apperr"
	"license-authority/internal/database"
	"license-authority/internal/model"

	"gorm.io/gorm"
)

// AccountStore 核心只读取账户的 ID / Role / Status
type AccountStore interface {
	GetAccount(ctx context.Context, id uint) (*model.Account, error)
}

// GormAccountStore accounts 表
type GormAccountStore struct {
	db *gorm.DB
}

func NewAccountStore(db *gorm.DB) *GormAccountStore {
	return &GormAccountStore{db: db}
}

func (s *GormAccountStore) GetAccount(ctx context.Context, id uint) (*model.Account, error) {
	var account model.Account
	err := s.db.WithContext(ctx).First(&account, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("账户 %d 不存在", id)
	}
	if err != nil {
		return nil, database.Classify("查询账户", err)
	}
	return &account, nil
}

func (s *GormAccountStore) GetByUsername(ctx context.Context, username string) (*model.Account, error) {
	var account model.Account
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("用户 %s 不存在", username)
	}
	if err != nil {
		return nil, database.Classify("查询账户", err)
	}
	return &account, nil
}

// Create 用户名或邮箱重复时返回 Conflict
func (s *GormAccountStore) Create(ctx context.Context, account *model.Account) error {
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return database.Classify("创建账户", err)
	}
	return nil
}

func (s *GormAccountStore) UpdatePassword(ctx context.Context, id uint, hashed string) error {
	res := s.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", id).Update("password", hashed)
	if res.Error != nil {
		return database.Classify("更新密码", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("账户 %d 不存在", id)
	}
	return nil
}

// RecordLogin 更新最后登录时间并写登录日志
func (s *GormAccountStore) RecordLogin(ctx context.Context, entry *model.LoginLog, at time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = at
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		if entry.Status != "success" {
			return nil
		}
		return tx.Model(&model.Account{}).Where("id = ?", entry.AccountID).Update("last_login", at).Error
	})
	return database.Classify("记录登录日志", err)
}

// LoginLogs 分页查询账户的登录日志
func (s *GormAccountStore) LoginLogs(ctx context.Context, accountID uint, page, pageSize int) ([]model.LoginLog, int64, error) {
	page, pageSize = clampPage(page, pageSize)

	var logs []model.LoginLog
	var total int64
	db := s.db.WithContext(ctx).Model(&model.LoginLog{}).Where("account_id = ?", accountID)
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, database.Classify("统计登录日志", err)
	}

	offset := (page - 1) * pageSize
	if err := db.Order("created_at DESC").Offset(offset).Limit(pageSize).Find(&logs).Error; err != nil {
		return nil, 0, database.Classify("查询登录日志", err)
	}
	return logs, total, nil
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
