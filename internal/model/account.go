package model

import (
	"time"
)

const (
	RoleStandard      = "standard"
	RoleAdministrator = "administrator"

	AccountActive    = "active"
	AccountSuspended = "suspended"
	AccountExpired   = "expired"
)

// Account 账户，核心只读取 ID / Role / Status
type Account struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"unique;not null"`
	Password  string    `json:"-" gorm:"not null"`
	Email     string    `json:"email" gorm:"unique;not null"`
	Role      string    `json:"role" gorm:"default:'standard'"`
	Status    string    `json:"status" gorm:"default:'active'"`
	Company   string    `json:"company"`
	CreatedAt time.Time `json:"createdat"`
	UpdatedAt time.Time `json:"updatedat"`
	LastLogin time.Time `json:"lastlogin"`
}

func (a *Account) IsAdmin() bool { return a.Role == RoleAdministrator }

func (a *Account) IsActive() bool { return a.Status == AccountActive }
