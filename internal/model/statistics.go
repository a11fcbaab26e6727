package model

import "time"

// DailyUsage 每日校验统计
type DailyUsage struct {
	Date         time.Time `json:"date"`
	TotalChecks  int       `json:"total_checks"`
	FailedChecks int       `json:"failed_checks"`
	DistinctKeys int       `json:"distinct_keys"`
}

// LicenseStatistics 许可证统计信息
type LicenseStatistics struct {
	TotalLicenses     int64          `json:"total_licenses"`
	ActiveLicenses    int64          `json:"active_licenses"`
	ExpiredLicenses   int64          `json:"expired_licenses"`
	ExpiringLicenses  int64          `json:"expiring_licenses"`
	InactiveLicenses  int64          `json:"inactive_licenses"`
	LicensesByType    map[string]int `json:"licenses_by_type"`
	DeviceSlots       int64          `json:"device_slots"`
	ActiveSessions    int64          `json:"active_sessions"`
	DailyUsage        []DailyUsage   `json:"daily_usage"`
	TotalValidations  int64          `json:"total_validations"`
	FailedValidations int64          `json:"failed_validations"`
}

// GetSuccessRate 计算校验成功率
func (ls *LicenseStatistics) GetSuccessRate() float64 {
	if ls.TotalValidations == 0 {
		return 0
	}
	return float64(ls.TotalValidations-ls.FailedValidations) / float64(ls.TotalValidations)
}

// GetUsageByType 获取指定类型的许可证数量
func (ls *LicenseStatistics) GetUsageByType(licenseType string) int {
	if count, ok := ls.LicensesByType[licenseType]; ok {
		return count
	}
	return 0
}

// GetDailyUsageByDate 获取指定日期的使用统计
func (ls *LicenseStatistics) GetDailyUsageByDate(date time.Time) *DailyUsage {
	for _, usage := range ls.DailyUsage {
		if usage.Date.Year() == date.Year() &&
			usage.Date.Month() == date.Month() &&
			usage.Date.Day() == date.Day() {
			return &usage
		}
	}
	return nil
}
