package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"license-authority/internal/config"
	"license-authority/internal/database"
	"license-authority/internal/logging"
	"license-authority/internal/service"
)

// 一次性清理：停用过期许可证并可选地淘汰长期未出现的设备，适合 cron 调用
func main() {
	configPath := flag.String("config", "", "配置文件路径")
	staleDays := flag.Int("stale-days", 0, "淘汰超过该天数未出现的设备，0 表示不淘汰")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("加载配置失败", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(logging.Config{
		ServiceName: "license-sweep",
		Environment: cfg.Logging.Environment,
		Level:       cfg.Logging.Level,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("连接数据库失败", "error", err)
		os.Exit(1)
	}
	authority := service.NewAuthority(service.Options{DB: db, Logger: logger})

	n, err := authority.SweepExpiredLicenses(ctx)
	if err != nil {
		logger.Error("sweep expired licenses failed", "error", err)
		os.Exit(1)
	}
	logger.Info("swept expired licenses", "count", n)

	if *staleDays > 0 {
		evicted, err := authority.EvictStaleDevices(ctx, time.Duration(*staleDays)*24*time.Hour)
		if err != nil {
			logger.Error("evict stale devices failed", "error", err)
			os.Exit(1)
		}
		logger.Info("evicted stale devices", "count", evicted)
	}
}
