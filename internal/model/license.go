package model

import (
	"math"
	"time"
)

// 许可证类型
const (
	LicenseFree     = "free"
	LicenseTrial    = "trial"
	LicenseBasic    = "basic"
	LicenseStandard = "standard"
	LicensePremium  = "premium"
	LicenseLifetime = "lifetime"
)

// License 每个账户同一时刻只有一条许可证记录
type License struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	AccountID  uint      `json:"account_id" gorm:"uniqueIndex;not null"`
	Key        string    `json:"key" gorm:"uniqueIndex;size:19;not null"`
	Type       string    `json:"type" gorm:"size:16;not null"`
	ExpiresAt  time.Time `json:"expires_at" gorm:"index;not null"`
	MaxDevices int       `json:"max_devices" gorm:"not null"`
	Active     bool      `json:"active" gorm:"index;not null"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	DaysRemaining    *int `json:"days_remaining,omitempty" gorm:"-"`
	MinutesRemaining *int `json:"minutes_remaining,omitempty" gorm:"-"`
}

// UsesMinutes free 类型以分钟计时，其余类型以天计时
func UsesMinutes(licenseType string) bool {
	return licenseType == LicenseFree
}

// IsValid active 且 now < expires_at
func (l *License) IsValid(now time.Time) bool {
	return l.Active && now.Before(l.ExpiresAt)
}

// FillRemaining 计算剩余时长（向上取整，最小为 0）
func (l *License) FillRemaining(now time.Time) {
	left := l.ExpiresAt.Sub(now)
	if left < 0 {
		left = 0
	}
	l.DaysRemaining, l.MinutesRemaining = nil, nil
	if UsesMinutes(l.Type) {
		m := int(math.Ceil(left.Minutes()))
		l.MinutesRemaining = &m
		return
	}
	d := int(math.Ceil(left.Hours() / 24))
	l.DaysRemaining = &d
}
