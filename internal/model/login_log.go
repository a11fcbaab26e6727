package model

import "time"

type LoginLog struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	AccountID uint      `json:"account_id" gorm:"index"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	Device    string    `json:"device"`
	Status    string    `json:"status"` // success, failed
	CreatedAt time.Time `json:"created_at"`
}
