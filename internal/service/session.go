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

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultGraceWindow 宽限期内重复登录复用已有会话
const DefaultGraceWindow = 5 * time.Minute

// HeartbeatResult 心跳结果，Valid=false 表示会话已被取代或已登出
type HeartbeatResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// LoginResult 登录结果
type LoginResult struct {
	Token      string `json:"session_token"`
	SessionID  uint   `json:"session_id"`
	Reused     bool   `json:"reused"`
	Superseded int64  `json:"superseded"`
}

// Sessions 保证每个账户最多一个 active 会话
type Sessions struct {
	db     *gorm.DB
	clock  clock.Clock
	grace  time.Duration
	logger *slog.Logger
}

func NewSessions(db *gorm.DB, clk clock.Clock, grace time.Duration, logger *slog.Logger) *Sessions {
	if clk == nil {
		clk = clock.Real{}
	}
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{db: db, clock: clk, grace: grace, logger: logger}
}

func newSessionToken() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Login 宽限期内有活动的会话原地刷新 token，否则使旧会话失效并新建
func (s *Sessions) Login(ctx context.Context, accountID uint, device string) (*LoginResult, error) {
	if accountID == 0 {
		return nil, apperr.InvalidInput("账户ID不能为空")
	}
	token, err := newSessionToken()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "生成会话令牌失败", err)
	}

	now := s.clock.Now()
	result := &LoginResult{Token: token}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := database.AdvisoryLock(tx, accountLockKey(accountID)); err != nil {
			return err
		}

		var latest model.Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ? AND active = ?", accountID, true).
			Order("last_activity_at DESC").
			First(&latest).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		found := err == nil

		others := tx.Model(&model.Session{}).Where("account_id = ? AND active = ?", accountID, true)
		if found && now.Sub(latest.LastActivityAt) < s.grace {
			if err := tx.Model(&latest).Updates(map[string]interface{}{
				"token":            token,
				"device":           device,
				"last_activity_at": now,
			}).Error; err != nil {
				return err
			}
			result.SessionID = latest.ID
			result.Reused = true
			others = others.Where("id <> ?", latest.ID)
		}

		res := others.Updates(map[string]interface{}{"active": false, "invalidated_at": now})
		if res.Error != nil {
			return res.Error
		}
		result.Superseded = res.RowsAffected
		if result.Reused {
			return nil
		}

		session := &model.Session{
			AccountID:      accountID,
			Token:          token,
			Device:         device,
			Active:         true,
			CreatedAt:      now,
			LastActivityAt: now,
		}
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		result.SessionID = session.ID
		return nil
	})
	if err != nil {
		return nil, database.Classify("登录", err)
	}

	s.logger.InfoContext(ctx, "session login",
		"account_id", accountID,
		"session_id", result.SessionID,
		"reused", result.Reused,
		"superseded", result.Superseded)
	return result, nil
}

// Heartbeat 只有 (账户, token, active) 匹配时才有效，并刷新活动时间
func (s *Sessions) Heartbeat(ctx context.Context, accountID uint, token string) (*HeartbeatResult, error) {
	if accountID == 0 || token == "" {
		return nil, apperr.InvalidInput("账户ID和会话令牌不能为空")
	}

	res := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("account_id = ? AND token = ? AND active = ?", accountID, token, true).
		Update("last_activity_at", s.clock.Now())
	if res.Error != nil {
		return nil, database.Classify("会话心跳", res.Error)
	}
	if res.RowsAffected == 0 {
		return &HeartbeatResult{Valid: false, Reason: "会话已在其他设备登录或已退出"}, nil
	}
	return &HeartbeatResult{Valid: true}, nil
}

// Logout 幂等退出
func (s *Sessions) Logout(ctx context.Context, accountID uint, token string) error {
	if accountID == 0 || token == "" {
		return apperr.InvalidInput("账户ID和会话令牌不能为空")
	}

	res := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("account_id = ? AND token = ? AND active = ?", accountID, token, true).
		Updates(map[string]interface{}{"active": false, "invalidated_at": s.clock.Now()})
	if res.Error != nil {
		return database.Classify("退出登录", res.Error)
	}
	return nil
}

// ActiveCount 账户当前 active 会话数
func (s *Sessions) ActiveCount(ctx context.Context, accountID uint) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("account_id = ? AND active = ?", accountID, true).
		Count(&count).Error; err != nil {
		return 0, database.Classify("统计会话", err)
	}
	return count, nil
}
