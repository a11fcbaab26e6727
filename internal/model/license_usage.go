package model

import (
	"time"

	"gorm.io/gorm"
)

type LicenseUsage struct {
	gorm.Model
	LicenseKey  string    `json:"license_key" gorm:"index"`
	Fingerprint string    `json:"fingerprint"`
	Action      string    `json:"action"` // "validate"
	Valid       bool      `json:"valid"`
	Code        string    `json:"code"`
	IPAddress   string    `json:"ip_address"`
	UserAgent   string    `json:"user_agent"`
	Timestamp   time.Time `json:"timestamp" gorm:"index"`
}
