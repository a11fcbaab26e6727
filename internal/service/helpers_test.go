package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"license-authority/internal/clock"
	"license-authority/internal/database"
	"license-authority/internal/events"
	"license-authority/internal/metrics"
	"license-authority/internal/model"
	"license-authority/internal/vault"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	vaultOnce sync.Once
	testVault *vault.Vault
	vaultErr  error
)

func sharedVault(t *testing.T) *vault.Vault {
	t.Helper()
	vaultOnce.Do(func() {
		testVault, vaultErr = vault.New("service-test-secret-0123456789", "service-test-salt", nil)
	})
	require.NoError(t, vaultErr)
	return testVault
}

type fixture struct {
	db        *gorm.DB
	clock     *clock.Fake
	events    *events.Recorder
	metrics   *metrics.Metrics
	authority *Authority
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := database.NewTestDB(t)
	f := &fixture{
		db:      db,
		clock:   clock.NewFake(t0),
		events:  &events.Recorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.authority = NewAuthority(Options{
		DB:        db,
		Clock:     f.clock,
		Vault:     sharedVault(t),
		Publisher: f.events,
		Metrics:   f.metrics,
	})
	return f
}

func (f *fixture) createAccount(t *testing.T, username, status string) *model.Account {
	t.Helper()
	account := &model.Account{
		Username: username,
		Password: "x",
		Email:    fmt.Sprintf("%s@example.com", username),
		Role:     model.RoleStandard,
		Status:   status,
	}
	require.NoError(t, f.db.Create(account).Error)
	return account
}

func (f *fixture) issue(t *testing.T, accountID uint, licenseType string, units, maxDevices int) *model.License {
	t.Helper()
	license, err := f.authority.IssueLicense(context.Background(), model.IssueLicenseRequest{
		AccountID:     accountID,
		Type:          licenseType,
		DurationUnits: units,
		MaxDevices:    maxDevices,
	})
	require.NoError(t, err)
	return license
}

// failCreates 让接下来 n 次写入 table 的 Create 返回唯一键冲突
func failCreates(t *testing.T, db *gorm.DB, table string, n int) {
	t.Helper()
	var mu sync.Mutex
	remaining := n
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table != table {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if remaining > 0 {
			remaining--
			_ = tx.AddError(gorm.ErrDuplicatedKey)
		}
	})
	require.NoError(t, err)
}
