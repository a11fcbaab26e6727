package service

import (
	"context"
	"time"

	"license-authority/internal/apperr"
	"license-authority/internal/clock"
	"license-authority/internal/database"
	"license-authority/internal/model"

	"gorm.io/gorm"
)

const expiringWithin = 7 * 24 * time.Hour

// Reporter 管理后台的统计与校验审计
type Reporter struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewReporter(db *gorm.DB, clk clock.Clock) *Reporter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Reporter{db: db, clock: clk}
}

// RecordUsage 写入一条校验记录
func (r *Reporter) RecordUsage(ctx context.Context, usage *model.LicenseUsage) error {
	if usage.Timestamp.IsZero() {
		usage.Timestamp = r.clock.Now()
	}
	return database.Classify("记录校验日志", r.db.WithContext(ctx).Create(usage).Error)
}

// UsageByKey 最近的校验记录
func (r *Reporter) UsageByKey(ctx context.Context, key string, limit int) ([]model.LicenseUsage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var usages []model.LicenseUsage
	if err := r.db.WithContext(ctx).Where("license_key = ?", key).
		Order("timestamp DESC").Limit(limit).Find(&usages).Error; err != nil {
		return nil, database.Classify("查询使用记录", err)
	}
	return usages, nil
}

// Statistics 许可证、设备、会话概况以及 [start, end] 区间内的每日校验量
func (r *Reporter) Statistics(ctx context.Context, start, end time.Time) (*model.LicenseStatistics, error) {
	db := r.db.WithContext(ctx)
	now := r.clock.Now()

	stats := &model.LicenseStatistics{
		LicensesByType: make(map[string]int),
		DailyUsage:     make([]model.DailyUsage, 0),
	}

	counts := []struct {
		dest  *int64
		query *gorm.DB
	}{
		{&stats.TotalLicenses, db.Model(&model.License{})},
		{&stats.ActiveLicenses, db.Model(&model.License{}).Where("active = ? AND expires_at > ?", true, now)},
		{&stats.ExpiredLicenses, db.Model(&model.License{}).Where("expires_at <= ?", now)},
		{&stats.ExpiringLicenses, db.Model(&model.License{}).
			Where("active = ? AND expires_at > ? AND expires_at <= ?", true, now, now.Add(expiringWithin))},
		{&stats.InactiveLicenses, db.Model(&model.License{}).Where("active = ?", false)},
		{&stats.DeviceSlots, db.Model(&model.DeviceSlot{})},
		{&stats.ActiveSessions, db.Model(&model.Session{}).Where("active = ?", true)},
		{&stats.TotalValidations, db.Model(&model.LicenseUsage{}).Where("timestamp BETWEEN ? AND ?", start, end)},
		{&stats.FailedValidations, db.Model(&model.LicenseUsage{}).
			Where("valid = ? AND timestamp BETWEEN ? AND ?", false, start, end)},
	}
	for _, c := range counts {
		if err := c.query.Count(c.dest).Error; err != nil {
			return nil, database.Classify("统计许可证", err)
		}
	}

	// 按类型统计许可证数量
	var typeStats []struct {
		Type  string
		Count int
	}
	if err := db.Model(&model.License{}).
		Select("type, count(*) as count").
		Group("type").
		Scan(&typeStats).Error; err != nil {
		return nil, database.Classify("按类型统计许可证", err)
	}
	for _, ts := range typeStats {
		stats.LicensesByType[ts.Type] = ts.Count
	}

	// 每日统计按 UTC 日期在数据库内聚合
	var daily []struct {
		Day          string
		TotalChecks  int64
		FailedChecks int64
		DistinctKeys int64
	}
	if err := db.Model(&model.LicenseUsage{}).
		Select(utcDayExpr(db)+" AS day, COUNT(*) AS total_checks, "+
			"SUM(CASE WHEN valid THEN 0 ELSE 1 END) AS failed_checks, "+
			"COUNT(DISTINCT license_key) AS distinct_keys").
		Where("timestamp BETWEEN ? AND ?", start, end).
		Group("day").
		Order("day").
		Scan(&daily).Error; err != nil {
		return nil, database.Classify("获取每日使用统计", err)
	}
	for _, d := range daily {
		day, err := time.Parse("2006-01-02", d.Day)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUnavailable, "解析统计日期 "+d.Day, err)
		}
		stats.DailyUsage = append(stats.DailyUsage, model.DailyUsage{
			Date:         day,
			TotalChecks:  int(d.TotalChecks),
			FailedChecks: int(d.FailedChecks),
			DistinctKeys: int(d.DistinctKeys),
		})
	}

	return stats, nil
}

// utcDayExpr 取 timestamp 的 UTC 日期，格式 YYYY-MM-DD
func utcDayExpr(db *gorm.DB) string {
	if db.Dialector.Name() == "postgres" {
		return `TO_CHAR("timestamp" AT TIME ZONE 'UTC', 'YYYY-MM-DD')`
	}
	return "DATE(timestamp)"
}
