package model

import "time"

// DeviceSlot 占用许可证一个设备名额的设备指纹
type DeviceSlot struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	LicenseID   uint      `json:"license_id" gorm:"uniqueIndex:ux_device_slot;not null"`
	Fingerprint string    `json:"fingerprint" gorm:"uniqueIndex:ux_device_slot;size:255;not null"`
	LastSeenAt  time.Time `json:"last_seen_at" gorm:"index;not null"`
	CreatedAt   time.Time `json:"created_at"`
}
