package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"license-authority/internal/apperr"
	"license-authority/internal/clock"
	"license-authority/internal/database"
	"license-authority/internal/events"
	"license-authority/internal/lock"
	"license-authority/internal/metrics"
	"license-authority/internal/model"
	"license-authority/internal/telemetry"
	"license-authority/internal/vault"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	mirrorTimeout  = 30 * time.Second
	publishTimeout = 2 * time.Second
)

// ValidationResult 校验结果；业务上的无效通过 Valid=false 返回而不是 error
type ValidationResult struct {
	Valid   bool           `json:"valid"`
	License *model.License `json:"license,omitempty"`
	Code    apperr.Kind    `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
}

type Options struct {
	DB          *gorm.DB
	Clock       clock.Clock
	Locker      lock.Locker
	Vault       *vault.Vault
	Accounts    AccountStore
	Publisher   events.Publisher
	Mirror      LicenseMirror
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
	GraceWindow time.Duration

	// PublishTimeout 单次事件发布的上限，默认 2s
	PublishTimeout time.Duration

	FreeTrialMinutes int
	FreeTrialDevices int
}

// Authority 许可证与会话的统一入口
type Authority struct {
	db       *gorm.DB
	ledger   *Ledger
	devices  *Registry
	sessions *Sessions

	vault     *vault.Vault
	accounts  AccountStore
	locker    lock.Locker
	publisher events.Publisher
	mirror    LicenseMirror
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	validate  *validator.Validate
	clock     clock.Clock
	logger    *slog.Logger

	publishTimeout   time.Duration
	freeTrialMinutes int
	freeTrialDevices int
}

func NewAuthority(opts Options) *Authority {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemoryLocker()
	}
	if opts.Accounts == nil {
		opts.Accounts = NewAccountStore(opts.DB)
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Noop{}
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = publishTimeout
	}
	if opts.FreeTrialMinutes <= 0 {
		opts.FreeTrialMinutes = 60
	}
	if opts.FreeTrialDevices <= 0 {
		opts.FreeTrialDevices = 1
	}

	return &Authority{
		db:               opts.DB,
		ledger:           NewLedger(opts.DB, opts.Clock, opts.Logger),
		devices:          NewRegistry(opts.DB, opts.Clock, opts.Logger),
		sessions:         NewSessions(opts.DB, opts.Clock, opts.GraceWindow, opts.Logger),
		vault:            opts.Vault,
		accounts:         opts.Accounts,
		locker:           opts.Locker,
		publisher:        opts.Publisher,
		mirror:           opts.Mirror,
		metrics:          opts.Metrics,
		tracer:           opts.Tracer,
		validate:         validator.New(),
		clock:            opts.Clock,
		logger:           opts.Logger,
		publishTimeout:   opts.PublishTimeout,
		freeTrialMinutes: opts.FreeTrialMinutes,
		freeTrialDevices: opts.FreeTrialDevices,
	}
}

func (a *Authority) Ledger() *Ledger     { return a.ledger }
func (a *Authority) Devices() *Registry  { return a.devices }
func (a *Authority) Sessions() *Sessions { return a.sessions }

// begin 开启 span，返回的 end 记录指标与 span 状态
func (a *Authority) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(result string, err error)) {
	started := time.Now()
	ctx, span := a.tracer.Start(ctx, "Authority."+op, trace.WithAttributes(attrs...))
	return ctx, func(result string, err error) {
		if err != nil {
			result = string(apperr.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, apperr.MessageOf(err))
		} else if result == "" {
			result = "ok"
		}
		span.SetAttributes(attribute.String("result", result))
		a.metrics.ObserveOperation(op, result, started)
		span.End()
	}
}

func (a *Authority) checkInput(v interface{}) error {
	if err := a.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return apperr.InvalidInput("参数校验失败: %s", strings.Join(fields, ", "))
		}
		return apperr.InvalidInput("参数校验失败: %v", err)
	}
	return nil
}

// withLock 在 key 对应的临界区内执行 fn
func (a *Authority) withLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := a.locker.Lock(ctx, key)
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "获取锁失败: "+key, err)
	}
	defer unlock()
	return fn()
}

// withRetry Conflict 重试一次，仍冲突则报告 Unavailable
func (a *Authority) withRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if !apperr.IsKind(err, apperr.KindConflict) {
		return err
	}

	a.metrics.ObserveRetry(op)
	a.logger.WarnContext(ctx, "storage conflict, retrying", "operation", op, "error", err)

	err = fn()
	if apperr.IsKind(err, apperr.KindConflict) {
		return apperr.Wrap(apperr.KindUnavailable, op+" 重试后仍然冲突", err)
	}
	return err
}

// publish 发布失败只记录日志，broker 不可达时最多等待 publishTimeout
func (a *Authority) publish(ctx context.Context, event events.Event) {
	ctx, cancel := context.WithTimeout(ctx, a.publishTimeout)
	defer cancel()
	if err := a.publisher.Publish(ctx, event); err != nil {
		a.logger.WarnContext(ctx, "publish event failed", "type", event.EventType(), "error", err)
	}
}

// syncMirror 异步同步到镜像，不阻塞调用方
func (a *Authority) syncMirror(license *model.License) {
	if a.mirror == nil {
		return
	}
	snapshot := *license
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := a.mirror.SyncLicense(ctx, &snapshot); err != nil {
			a.logger.Warn("sync license mirror failed", "license_id", snapshot.ID, "error", err)
		}
	}()
}

func (a *Authority) requireAccount(ctx context.Context, accountID uint) (*model.Account, error) {
	account, err := a.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive() {
		return nil, apperr.Newf(apperr.KindForbidden, "账户状态为 %s", account.Status)
	}
	return account, nil
}

// IssueLicense 签发许可证，替换账户原有许可证
func (a *Authority) IssueLicense(ctx context.Context, req model.IssueLicenseRequest) (license *model.License, err error) {
	ctx, end := a.begin(ctx, "issue_license", attribute.Int64("account_id", int64(req.AccountID)))
	defer func() { end("", err) }()

	if err = a.checkInput(req); err != nil {
		return nil, err
	}
	if _, err = a.accounts.GetAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}

	err = a.withLock(ctx, accountLockKey(req.AccountID), func() error {
		return a.withRetry(ctx, "issue_license", func() error {
			var ierr error
			license, ierr = a.ledger.Issue(ctx, req)
			return ierr
		})
	})
	if err != nil {
		return nil, err
	}

	a.publish(ctx, events.LicenseIssued{
		LicenseID: license.ID,
		AccountID: license.AccountID,
		Type:      license.Type,
		ExpiresAt: license.ExpiresAt,
		At:        a.clock.Now(),
	})
	a.syncMirror(license)
	return license, nil
}

// GrantFreeTrial 为已存在的账户发放免费试用，注册流程见 RegisterAccount
func (a *Authority) GrantFreeTrial(ctx context.Context, accountID uint) (*model.License, error) {
	return a.IssueLicense(ctx, model.IssueLicenseRequest{
		AccountID:     accountID,
		Type:          model.LicenseFree,
		DurationUnits: a.freeTrialMinutes,
		MaxDevices:    a.freeTrialDevices,
	})
}

// RegisterAccount 同一事务内创建账户并发放免费试用，任一步失败都不留下账户
func (a *Authority) RegisterAccount(ctx context.Context, account *model.Account) (license *model.License, err error) {
	ctx, end := a.begin(ctx, "register_account")
	defer func() { end("", err) }()

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(account).Error; err != nil {
			return database.Classify("创建账户", err)
		}
		var ierr error
		license, ierr = a.ledger.withTx(tx).Issue(ctx, model.IssueLicenseRequest{
			AccountID:     account.ID,
			Type:          model.LicenseFree,
			DurationUnits: a.freeTrialMinutes,
			MaxDevices:    a.freeTrialDevices,
		})
		return ierr
	})
	if err != nil {
		account.ID = 0
		return nil, database.Classify("注册账户", err)
	}

	a.publish(ctx, events.LicenseIssued{
		LicenseID: license.ID,
		AccountID: license.AccountID,
		Type:      license.Type,
		ExpiresAt: license.ExpiresAt,
		At:        a.clock.Now(),
	})
	a.syncMirror(license)
	return license, nil
}

// ValidateLicense 校验许可证；提供指纹时同时占用设备名额
func (a *Authority) ValidateLicense(ctx context.Context, key, fingerprint string) (res *ValidationResult, err error) {
	ctx, end := a.begin(ctx, "validate_license")
	defer func() {
		result := ""
		if res != nil && !res.Valid {
			result = string(res.Code)
		}
		end(result, err)
	}()

	if err = a.checkInput(model.ValidateLicenseRequest{Key: key, Fingerprint: fingerprint}); err != nil {
		return nil, err
	}

	license, err := a.ledger.Validate(ctx, key)
	if err != nil {
		return invalidResult(err)
	}

	if fingerprint != "" {
		var created bool
		err = a.withLock(ctx, licenseLockKey(license.ID), func() error {
			return a.withRetry(ctx, "admit_device", func() error {
				var aerr error
				created, aerr = a.devices.Admit(ctx, license.ID, fingerprint)
				return aerr
			})
		})
		if err != nil {
			return invalidResult(err)
		}
		if created {
			a.publish(ctx, events.DeviceAdmitted{LicenseID: license.ID, Fingerprint: fingerprint, At: a.clock.Now()})
		}
	}

	return &ValidationResult{Valid: true, License: license}, nil
}

// invalidResult 业务类错误转为 Valid=false，其余错误原样返回
func invalidResult(err error) (*ValidationResult, error) {
	switch kind := apperr.KindOf(err); kind {
	case apperr.KindNotFound, apperr.KindExpired, apperr.KindDeviceLimitReached:
		return &ValidationResult{Valid: false, Code: kind, Message: apperr.MessageOf(err)}, nil
	default:
		return nil, err
	}
}

// ExtendLicense 续期
func (a *Authority) ExtendLicense(ctx context.Context, licenseID uint, days int) (license *model.License, err error) {
	ctx, end := a.begin(ctx, "extend_license", attribute.Int64("license_id", int64(licenseID)))
	defer func() { end("", err) }()

	if err = a.checkInput(model.ExtendLicenseRequest{AdditionalDays: days}); err != nil {
		return nil, err
	}

	err = a.withLock(ctx, licenseLockKey(licenseID), func() error {
		return a.withRetry(ctx, "extend_license", func() error {
			var eerr error
			license, eerr = a.ledger.Extend(ctx, licenseID, days)
			return eerr
		})
	})
	if err != nil {
		return nil, err
	}

	a.publish(ctx, events.LicenseExtended{
		LicenseID: license.ID,
		AccountID: license.AccountID,
		ExpiresAt: license.ExpiresAt,
		At:        a.clock.Now(),
	})
	a.syncMirror(license)
	return license, nil
}

// DeactivateLicense 停用
func (a *Authority) DeactivateLicense(ctx context.Context, licenseID uint) (err error) {
	ctx, end := a.begin(ctx, "deactivate_license", attribute.Int64("license_id", int64(licenseID)))
	defer func() { end("", err) }()

	err = a.withLock(ctx, licenseLockKey(licenseID), func() error {
		return a.withRetry(ctx, "deactivate_license", func() error {
			return a.ledger.Deactivate(ctx, licenseID)
		})
	})
	if err != nil {
		return err
	}

	a.publish(ctx, events.LicenseDeactivated{LicenseID: licenseID, At: a.clock.Now()})
	if a.mirror != nil {
		if license, gerr := a.ledger.Get(ctx, licenseID); gerr == nil {
			a.syncMirror(license)
		}
	}
	return nil
}

// SweepExpiredLicenses 批量停用过期许可证，由定时任务调用
func (a *Authority) SweepExpiredLicenses(ctx context.Context) (n int64, err error) {
	ctx, end := a.begin(ctx, "sweep_expired")
	defer func() { end("", err) }()

	n, err = a.ledger.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if a.metrics != nil {
			a.metrics.LicensesSweptTotal.Add(float64(n))
		}
		a.publish(ctx, events.LicensesSwept{Count: n, At: a.clock.Now()})
	}
	return n, nil
}

// Login 账户必须处于 active 状态
func (a *Authority) Login(ctx context.Context, accountID uint, device string) (string, error) {
	result, err := a.LoginDetailed(ctx, accountID, device)
	if err != nil {
		return "", err
	}
	return result.Token, nil
}

// LoginDetailed 同 Login，额外返回是否复用以及取代的会话数
func (a *Authority) LoginDetailed(ctx context.Context, accountID uint, device string) (result *LoginResult, err error) {
	ctx, end := a.begin(ctx, "login", attribute.Int64("account_id", int64(accountID)))
	defer func() { end("", err) }()

	if err = a.checkInput(model.LoginRequest{AccountID: accountID, Device: device}); err != nil {
		return nil, err
	}
	if _, err = a.requireAccount(ctx, accountID); err != nil {
		return nil, err
	}

	err = a.withLock(ctx, accountLockKey(accountID), func() error {
		return a.withRetry(ctx, "login", func() error {
			var lerr error
			result, lerr = a.sessions.Login(ctx, accountID, device)
			return lerr
		})
	})
	if err != nil {
		return nil, err
	}

	if result.Superseded > 0 {
		if a.metrics != nil {
			a.metrics.SessionsSupersededTotal.Add(float64(result.Superseded))
		}
		a.publish(ctx, events.SessionSuperseded{
			AccountID:   accountID,
			Invalidated: result.Superseded,
			At:          a.clock.Now(),
		})
	}
	return result, nil
}

// Heartbeat 基础设施故障返回 error，不会伪装成 Valid=false
func (a *Authority) Heartbeat(ctx context.Context, accountID uint, token string) (res *HeartbeatResult, err error) {
	ctx, end := a.begin(ctx, "heartbeat")
	defer func() {
		result := ""
		if res != nil && !res.Valid {
			result = "superseded"
		}
		end(result, err)
	}()

	if err = a.checkInput(model.HeartbeatRequest{AccountID: accountID, SessionToken: token}); err != nil {
		return nil, err
	}
	return a.sessions.Heartbeat(ctx, accountID, token)
}

func (a *Authority) Logout(ctx context.Context, accountID uint, token string) (err error) {
	ctx, end := a.begin(ctx, "logout")
	defer func() { end("", err) }()

	if err = a.checkInput(model.HeartbeatRequest{AccountID: accountID, SessionToken: token}); err != nil {
		return err
	}
	return a.sessions.Logout(ctx, accountID, token)
}

func (a *Authority) CountDevices(ctx context.Context, licenseID uint) (int64, error) {
	return a.devices.CountActive(ctx, licenseID)
}

func (a *Authority) ListDevices(ctx context.Context, licenseID uint) ([]model.DeviceSlot, error) {
	return a.devices.List(ctx, licenseID)
}

// ReleaseDevice 管理员解绑设备
func (a *Authority) ReleaseDevice(ctx context.Context, licenseID uint, fingerprint string) (err error) {
	ctx, end := a.begin(ctx, "release_device", attribute.Int64("license_id", int64(licenseID)))
	defer func() { end("", err) }()

	var released bool
	err = a.withLock(ctx, licenseLockKey(licenseID), func() error {
		var rerr error
		released, rerr = a.devices.Release(ctx, licenseID, fingerprint)
		return rerr
	})
	if err != nil {
		return err
	}
	if released {
		a.publish(ctx, events.DeviceReleased{LicenseID: licenseID, Fingerprint: fingerprint, At: a.clock.Now()})
	}
	return nil
}

// EvictStaleDevices 清理长期未出现的设备
func (a *Authority) EvictStaleDevices(ctx context.Context, olderThan time.Duration) (n int64, err error) {
	ctx, end := a.begin(ctx, "evict_stale_devices")
	defer func() { end("", err) }()

	return a.devices.EvictStale(ctx, olderThan)
}

// EncryptSecret 加密存储用的敏感字符串
func (a *Authority) EncryptSecret(plaintext string) (string, error) {
	if a.vault == nil {
		return "", apperr.New(apperr.KindUnavailable, "未配置加密密钥")
	}
	envelope, err := a.vault.Encrypt(plaintext)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnavailable, "加密失败", err)
	}
	return envelope, nil
}

// DecryptSecret 区分未存储（NotFound）与密文损坏（InvalidInput）
func (a *Authority) DecryptSecret(envelope string) (string, error) {
	if a.vault == nil {
		return "", apperr.New(apperr.KindUnavailable, "未配置加密密钥")
	}
	plaintext, err := a.vault.Decrypt(envelope)
	switch {
	case err == nil:
		return plaintext, nil
	case errors.Is(err, vault.ErrEmptyEnvelope):
		return "", apperr.Wrap(apperr.KindNotFound, "未存储密文", err)
	default:
		return "", apperr.Wrap(apperr.KindInvalidInput, "密文格式错误", err)
	}
}
