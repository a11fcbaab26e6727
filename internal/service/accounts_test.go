package service

import (
	"context"
	"testing"

	"license-authority/internal/apperr"
	"license-authority/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := NewAccountStore(f.db)

	account := &model.Account{Username: "rita", Password: "hash", Email: "rita@example.com"}
	require.NoError(t, store.Create(ctx, account))
	assert.Equal(t, model.RoleStandard, account.Role)

	dup := &model.Account{Username: "rita", Password: "hash", Email: "other@example.com"}
	err := store.Create(ctx, dup)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict), "got %v", err)

	got, err := store.GetByUsername(ctx, "rita")
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)
	assert.True(t, got.IsActive())

	_, err = store.GetAccount(ctx, 999)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	require.NoError(t, store.RecordLogin(ctx, &model.LoginLog{AccountID: account.ID, IP: "10.0.0.1", Status: "success"}, t0))
	require.NoError(t, store.RecordLogin(ctx, &model.LoginLog{AccountID: account.ID, IP: "10.0.0.2", Status: "failed"}, t0.Add(1)))

	got, err = store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, got.LastLogin.Equal(t0))

	logs, total, err := store.LoginLogs(ctx, account.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, logs, 2)
}

func TestAuditLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	audit := NewAuditLog(f.db)

	require.NoError(t, audit.LogOperation(ctx, 1, ActionIssueLicense, "license", "10", map[string]int{"days": 30}))
	require.NoError(t, audit.LogOperation(ctx, 2, ActionDeactivateLicense, "license", "10", nil))

	logs, total, err := audit.GetOperationLogs(ctx, 0, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, logs, 2)

	logs, total, err = audit.GetOperationLogs(ctx, 1, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, `{"days":30}`, logs[0].Details)
}
