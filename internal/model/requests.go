package model

// IssueLicenseRequest 管理员签发许可证
type IssueLicenseRequest struct {
	AccountID     uint   `json:"account_id" validate:"required"`
	Type          string `json:"type" validate:"required,oneof=free trial basic standard premium lifetime"`
	DurationUnits int    `json:"duration_units" validate:"gt=0"`
	MaxDevices    int    `json:"max_devices" validate:"gte=1"`
}

type ExtendLicenseRequest struct {
	AdditionalDays int `json:"additional_days" validate:"gte=1"`
}

type ValidateLicenseRequest struct {
	Key         string `json:"key" query:"key" validate:"required"`
	Fingerprint string `json:"fingerprint" query:"fingerprint" validate:"omitempty,max=255"`
}

type LoginRequest struct {
	AccountID uint   `json:"account_id" validate:"required"`
	Device    string `json:"device" validate:"max=255"`
}

type HeartbeatRequest struct {
	AccountID    uint   `json:"account_id" validate:"required"`
	SessionToken string `json:"session_token" validate:"required"`
}

type EvictStaleRequest struct {
	OlderThanDays int `json:"older_than_days" validate:"gte=1"`
}

type SecretRequest struct {
	Value string `json:"value"`
}
