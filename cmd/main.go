package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"license-authority/internal/config"
	"license-authority/internal/database"
	"license-authority/internal/events"
	"license-authority/internal/handler"
	"license-authority/internal/lock"
	"license-authority/internal/logging"
	"license-authority/internal/metrics"
	"license-authority/internal/middleware"
	"license-authority/internal/service"
	"license-authority/internal/telemetry"
	"license-authority/internal/util"
	"license-authority/internal/vault"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const serviceName = "license-authority"

var version = "dev"

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("服务退出", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: serviceName,
		Environment: cfg.Logging.Environment,
		Level:       cfg.Logging.Level,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Logging.Environment,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces failed", "error", err)
		}
	}()

	// 初始化数据库
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}
	if err := database.SeedAdmin(db, cfg.Security.AdminPassword); err != nil {
		return err
	}

	v, err := vault.New(cfg.Security.VaultSecret, cfg.Security.VaultSalt, logger)
	if err != nil {
		return err
	}

	locker, closeLocker, err := newLocker(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	publisher, err := newPublisher(cfg.Kafka, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	sheetSync, err := service.NewSheetSyncService(ctx, cfg.Sheets, logger)
	if err != nil {
		return fmt.Errorf("初始化表格同步失败: %w", err)
	}
	var mirror service.LicenseMirror
	if sheetSync != nil {
		mirror = sheetSync
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	accounts := service.NewAccountStore(db)
	authority := service.NewAuthority(service.Options{
		DB:               db,
		Locker:           locker,
		Vault:            v,
		Accounts:         accounts,
		Publisher:        publisher,
		Mirror:           mirror,
		Metrics:          m,
		Logger:           logger,
		GraceWindow:      cfg.Session.GraceWindow,
		PublishTimeout:   cfg.Kafka.PublishTimeout,
		FreeTrialMinutes: cfg.License.FreeTrialMinutes,
		FreeTrialDevices: cfg.License.FreeTrialDevices,
	})
	tokens := util.NewTokenIssuer(cfg.Security.JWTSecret, cfg.Security.JWTTTL)

	h := handler.New(handler.Deps{
		Authority: authority,
		Accounts:  accounts,
		Audit:     service.NewAuditLog(db),
		Reporter:  service.NewReporter(db, nil),
		Mirror:    mirror,
		Tokens:    tokens,
		Logger:    logger,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// 中间件
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New())
	app.Use(middleware.Metrics(m))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	h.Register(app, middleware.Auth(tokens), middleware.AdminOnly(accounts))

	go runSweeper(ctx, authority, cfg.Sweep.Interval, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		errCh <- app.Listen(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	return nil
}

// newLocker 配置了 redis 时使用分布式锁，否则退化为进程内锁
func newLocker(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.URL == "" {
		return lock.NewMemoryLocker(), func() {}, nil
	}

	client, err := lock.Connect(ctx, cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("连接 redis 失败: %w", err)
	}

	logger.Info("using redis locker")
	return lock.NewRedisLocker(client, cfg.LockTTL, logger), func() { client.Close() }, nil
}

func newPublisher(cfg config.KafkaConfig, logger *slog.Logger) (events.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return events.Noop{}, nil
	}
	publisher, err := events.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	if err != nil {
		return nil, err
	}
	logger.Info("publishing events to kafka", "topic", cfg.Topic)
	return publisher, nil
}

// runSweeper 定期停用过期许可证
func runSweeper(ctx context.Context, authority *service.Authority, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := authority.SweepExpiredLicenses(ctx)
			if err != nil {
				logger.Error("sweep expired licenses failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("swept expired licenses", "count", n)
			}
		}
	}
}
