package model

import "time"

// Session 一次登录对应的客户端会话，每个账户最多一个 active
type Session struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	AccountID      uint       `json:"account_id" gorm:"index;not null"`
	Token          string     `json:"-" gorm:"uniqueIndex;size:64;not null"`
	Device         string     `json:"device"`
	Active         bool       `json:"active" gorm:"index;not null"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at" gorm:"not null"`
	InvalidatedAt  *time.Time `json:"invalidated_at,omitempty"`
}
