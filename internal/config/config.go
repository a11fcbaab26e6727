package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config 服务完整配置，优先级：默认值 -> YAML 文件 -> .env -> 环境变量
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Redis    RedisConfig    `yaml:"redis" envconfig:"REDIS"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Session  SessionConfig  `yaml:"session" envconfig:"SESSION"`
	License  LicenseConfig  `yaml:"license" envconfig:"LICENSE"`
	Sweep    SweepConfig    `yaml:"sweep" envconfig:"SWEEP"`
	Sheets   SheetsConfig   `yaml:"sheets" envconfig:"SHEETS"`
	Kafka    KafkaConfig    `yaml:"kafka" envconfig:"KAFKA"`
	Tracing  TracingConfig  `yaml:"tracing" envconfig:"TRACING"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" envconfig:"DRIVER"`
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	LogSQL          bool          `yaml:"log_sql" envconfig:"LOG_SQL"`
}

type RedisConfig struct {
	URL     string        `yaml:"url" envconfig:"URL"`
	LockTTL time.Duration `yaml:"lock_ttl" envconfig:"LOCK_TTL"`
}

type SecurityConfig struct {
	VaultSecret   string        `yaml:"vault_secret" envconfig:"VAULT_SECRET"`
	VaultSalt     string        `yaml:"vault_salt" envconfig:"VAULT_SALT"`
	JWTSecret     string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	JWTTTL        time.Duration `yaml:"jwt_ttl" envconfig:"JWT_TTL"`
	AdminPassword string        `yaml:"admin_password" envconfig:"ADMIN_PASSWORD"`
}

type SessionConfig struct {
	GraceWindow time.Duration `yaml:"grace_window" envconfig:"GRACE_WINDOW"`
}

type LicenseConfig struct {
	FreeTrialMinutes int `yaml:"free_trial_minutes" envconfig:"FREE_TRIAL_MINUTES"`
	FreeTrialDevices int `yaml:"free_trial_devices" envconfig:"FREE_TRIAL_DEVICES"`
}

type SweepConfig struct {
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL"`
}

type SheetsConfig struct {
	Enabled        bool   `yaml:"enabled" envconfig:"ENABLED"`
	CredentialPath string `yaml:"credential_path" envconfig:"CREDENTIAL_PATH"`
	SpreadsheetID  string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName      string `yaml:"sheet_name" envconfig:"SHEET_NAME"`
}

type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers" envconfig:"BROKERS"`
	Topic          string        `yaml:"topic" envconfig:"TOPIC"`
	PublishTimeout time.Duration `yaml:"publish_timeout" envconfig:"PUBLISH_TIMEOUT"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Environment string `yaml:"environment" envconfig:"ENVIRONMENT"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":80",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "data/license.db",
			MaxOpenConns:    20,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			LockTTL: 10 * time.Second,
		},
		Security: SecurityConfig{
			VaultSalt: "license-authority-vault-salt",
			JWTTTL:    24 * time.Hour,
		},
		Session: SessionConfig{
			GraceWindow: 5 * time.Minute,
		},
		License: LicenseConfig{
			FreeTrialMinutes: 60,
			FreeTrialDevices: 1,
		},
		Sweep: SweepConfig{
			Interval: 10 * time.Minute,
		},
		Sheets: SheetsConfig{
			SheetName: "Licenses",
		},
		Kafka: KafkaConfig{
			Topic:          "license-authority.events",
			PublishTimeout: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Environment: "dev",
		},
	}
}

// Load 读取配置；path 为空时使用 LICENSE_CONFIG 或 config.yaml，文件不存在时跳过
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("LICENSE_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}
	if err := loadFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("加载配置文件失败: %w", err)
	}

	// .env 只补充尚未设置的环境变量
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	if err := envconfig.Process("LICENSE", &cfg); err != nil {
		return nil, fmt.Errorf("加载环境变量失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate 校验必填项
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("不支持的数据库驱动: %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn 不能为空")
	}
	if len(c.Security.VaultSecret) < 16 {
		return errors.New("security.vault_secret 至少需要 16 个字符")
	}
	if c.Security.JWTSecret == "" {
		return errors.New("security.jwt_secret 不能为空")
	}
	if c.Session.GraceWindow <= 0 {
		return errors.New("session.grace_window 必须大于 0")
	}
	if c.License.FreeTrialMinutes <= 0 || c.License.FreeTrialDevices < 1 {
		return errors.New("license 试用配置无效")
	}
	if c.Sheets.Enabled && (c.Sheets.CredentialPath == "" || c.Sheets.SpreadsheetID == "") {
		return errors.New("启用 sheets 同步时必须配置 credential_path 和 spreadsheet_id")
	}
	return nil
}
