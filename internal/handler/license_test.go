package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"license-authority/internal/model"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sheetRecorder struct {
	batches [][]*model.License
}

func (s *sheetRecorder) SyncLicense(context.Context, *model.License) error { return nil }

func (s *sheetRecorder) BatchSyncLicenses(_ context.Context, licenses []*model.License) error {
	s.batches = append(s.batches, licenses)
	return nil
}

func TestAdminLicenseLifecycle(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)
	accountID := accountIDOf(env.register(t, "erin"))

	status, issued := env.call(t, http.MethodPost, "/api/v1/admin/licenses", model.IssueLicenseRequest{
		AccountID: accountID, Type: model.LicenseBasic, DurationUnits: 30, MaxDevices: 1,
	}, admin)
	require.Equal(t, fiber.StatusCreated, status, issued)
	key := issued["key"].(string)
	id := uint(issued["id"].(float64))
	assert.Equal(t, float64(30), issued["days_remaining"])

	verify := func(fingerprint string) (int, map[string]interface{}) {
		return env.call(t, http.MethodGet, fmt.Sprintf("/api/v1/licenses/verify?key=%s&fingerprint=%s", key, fingerprint), nil, "")
	}

	status, body := verify("device-A")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["valid"])

	status, body = verify("device-B")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "DEVICE_LIMIT_REACHED", body["code"])

	status, body = env.call(t, http.MethodGet, fmt.Sprintf("/api/v1/admin/licenses/%d/devices", id), nil, admin)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["total"])

	status, _ = env.call(t, http.MethodDelete, fmt.Sprintf("/api/v1/admin/licenses/%d/devices/device-A", id), nil, admin)
	require.Equal(t, fiber.StatusOK, status)

	status, body = verify("device-B")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["valid"])

	status, body = env.call(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/licenses/%d/extend", id), model.ExtendLicenseRequest{AdditionalDays: 10}, admin)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(40), body["days_remaining"])

	status, _ = env.call(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/licenses/%d/deactivate", id), nil, admin)
	require.Equal(t, fiber.StatusOK, status)

	status, body = verify("device-B")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "NOT_FOUND", body["code"])

	status, body = env.call(t, http.MethodGet, "/api/v1/admin/licenses/usage/"+key, nil, admin)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["usages"], 4)

	status, body = env.call(t, http.MethodGet, "/api/v1/admin/logs", nil, admin)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(4), body["total"])
}

func TestHandleLicenseIssueErrors(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)

	tests := []struct {
		name       string
		input      model.IssueLicenseRequest
		wantStatus int
	}{
		{
			name:       "unknown_account",
			input:      model.IssueLicenseRequest{AccountID: 999, Type: model.LicenseBasic, DurationUnits: 30, MaxDevices: 1},
			wantStatus: fiber.StatusNotFound,
		},
		{
			name:       "bad_type",
			input:      model.IssueLicenseRequest{AccountID: 1, Type: "gold", DurationUnits: 30, MaxDevices: 1},
			wantStatus: fiber.StatusBadRequest,
		},
		{
			name:       "zero_devices",
			input:      model.IssueLicenseRequest{AccountID: 1, Type: model.LicenseBasic, DurationUnits: 30},
			wantStatus: fiber.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.call(t, http.MethodPost, "/api/v1/admin/licenses", tt.input, admin)
			assert.Equal(t, tt.wantStatus, status, body)
		})
	}
}

func TestHandleLicenseVerifyInput(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.call(t, http.MethodGet, "/api/v1/licenses/verify", nil, "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = env.call(t, http.MethodGet, "/api/v1/licenses/verify?key=short", nil, "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body := env.call(t, http.MethodGet, "/api/v1/licenses/verify?key=ABCD-EFGH-JKLM-NPQR", nil, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	accountID := accountIDOf(env.register(t, "frank"))
	session := env.login(t, "frank", "password123", "laptop")["session_token"].(string)

	heartbeat := model.HeartbeatRequest{AccountID: accountID, SessionToken: session}
	status, body := env.call(t, http.MethodPost, "/api/v1/sessions/heartbeat", heartbeat, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["valid"])

	status, _ = env.call(t, http.MethodPost, "/api/v1/sessions/logout", heartbeat, "")
	require.Equal(t, fiber.StatusOK, status)

	status, body = env.call(t, http.MethodPost, "/api/v1/sessions/heartbeat", heartbeat, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["reason"])

	status, _ = env.call(t, http.MethodPost, "/api/v1/sessions/heartbeat", model.HeartbeatRequest{AccountID: accountID}, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestHeartbeatStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	accountID := accountIDOf(env.register(t, "gina"))
	session := env.login(t, "gina", "password123", "laptop")["session_token"].(string)

	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	status, body := env.call(t, http.MethodPost, "/api/v1/sessions/heartbeat", model.HeartbeatRequest{
		AccountID: accountID, SessionToken: session,
	}, "")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "UNAVAILABLE", body["code"])
}

func TestSecretEndpoints(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)

	status, body := env.call(t, http.MethodPost, "/api/v1/admin/secrets/encrypt", model.SecretRequest{Value: "bot-token"}, admin)
	require.Equal(t, fiber.StatusOK, status)
	envelope := body["value"].(string)
	assert.NotEqual(t, "bot-token", envelope)

	status, body = env.call(t, http.MethodPost, "/api/v1/admin/secrets/decrypt", model.SecretRequest{Value: envelope}, admin)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "bot-token", body["value"])

	status, _ = env.call(t, http.MethodPost, "/api/v1/admin/secrets/decrypt", model.SecretRequest{Value: ""}, admin)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = env.call(t, http.MethodPost, "/api/v1/admin/secrets/decrypt", model.SecretRequest{Value: "zz:zz"}, admin)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestHandleExportSheet(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)
	env.register(t, "henry")

	status, _ := env.call(t, http.MethodPost, "/api/v1/admin/licenses/export", nil, admin)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)

	recorder := &sheetRecorder{}
	env.handler.mirror = recorder
	status, body := env.call(t, http.MethodPost, "/api/v1/admin/licenses/export", nil, admin)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["exported"])
	require.Len(t, recorder.batches, 1)
	assert.Len(t, recorder.batches[0], 1)
}

func TestHandleLicenseStatistics(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)
	env.register(t, "ivy")

	status, body := env.call(t, http.MethodGet, "/api/v1/admin/licenses/statistics", nil, admin)
	require.Equal(t, fiber.StatusOK, status)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["total_licenses"])

	status, _ = env.call(t, http.MethodGet, "/api/v1/admin/licenses/statistics?start_date=2024/01/01", nil, admin)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = env.call(t, http.MethodGet, "/api/v1/admin/licenses/statistics?start_date=2024-02-01&end_date=2024-01-01", nil, admin)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestHandleGetAllLicenses(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)
	env.register(t, "jack")
	env.register(t, "kate")

	status, body := env.call(t, http.MethodGet, "/api/v1/admin/licenses?type=free&active=true", nil, admin)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(2), body["total"])

	status, _ = env.call(t, http.MethodGet, "/api/v1/admin/licenses?active=maybe", nil, admin)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = env.call(t, http.MethodGet, "/api/v1/admin/licenses/999", nil, admin)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestReleaseDeviceWithEscapedFingerprint(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)
	accountID := accountIDOf(env.register(t, "frank"))

	status, issued := env.call(t, http.MethodPost, "/api/v1/admin/licenses", model.IssueLicenseRequest{
		AccountID: accountID, Type: model.LicenseBasic, DurationUnits: 30, MaxDevices: 1,
	}, admin)
	require.Equal(t, fiber.StatusCreated, status, issued)
	key := issued["key"].(string)
	id := uint(issued["id"].(float64))

	verify := func(fingerprint string) map[string]interface{} {
		q := url.Values{"key": {key}, "fingerprint": {fingerprint}}
		status, body := env.call(t, http.MethodGet, "/api/v1/licenses/verify?"+q.Encode(), nil, "")
		require.Equal(t, fiber.StatusOK, status, body)
		return body
	}

	const laptop = "My Laptop+ab=="
	assert.Equal(t, true, verify(laptop)["valid"])
	assert.Equal(t, "DEVICE_LIMIT_REACHED", verify("desktop")["code"])

	path := fmt.Sprintf("/api/v1/admin/licenses/%d/devices/%s", id, url.PathEscape(laptop))
	status, body := env.call(t, http.MethodDelete, path, nil, admin)
	require.Equal(t, fiber.StatusOK, status, body)

	status, body = env.call(t, http.MethodGet, fmt.Sprintf("/api/v1/admin/licenses/%d/devices", id), nil, admin)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(0), body["total"])

	assert.Equal(t, true, verify("desktop")["valid"])
}

func TestExtendRecordsReactivation(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)
	accountID := accountIDOf(env.register(t, "grace"))

	status, issued := env.call(t, http.MethodPost, "/api/v1/admin/licenses", model.IssueLicenseRequest{
		AccountID: accountID, Type: model.LicenseBasic, DurationUnits: 30, MaxDevices: 1,
	}, admin)
	require.Equal(t, fiber.StatusCreated, status, issued)
	id := uint(issued["id"].(float64))

	extend := func() map[string]interface{} {
		status, body := env.call(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/licenses/%d/extend", id), model.ExtendLicenseRequest{AdditionalDays: 5}, admin)
		require.Equal(t, fiber.StatusOK, status, body)
		return body
	}
	lastExtendDetails := func() map[string]interface{} {
		status, body := env.call(t, http.MethodGet, "/api/v1/admin/logs", nil, admin)
		require.Equal(t, fiber.StatusOK, status)
		for _, raw := range body["logs"].([]interface{}) {
			entry := raw.(map[string]interface{})
			if entry["action"] != "extend_license" {
				continue
			}
			details := map[string]interface{}{}
			require.NoError(t, json.Unmarshal([]byte(entry["details"].(string)), &details))
			return details
		}
		t.Fatal("no extend_license entry")
		return nil
	}

	extend()
	assert.Equal(t, false, lastExtendDetails()["reactivated"])

	status, _ = env.call(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/licenses/%d/deactivate", id), nil, admin)
	require.Equal(t, fiber.StatusOK, status)

	body := extend()
	assert.Equal(t, true, body["active"])
	details := lastExtendDetails()
	assert.Equal(t, true, details["reactivated"])
	assert.Equal(t, float64(5), details["additional_days"])

	status, _ = env.call(t, http.MethodPost, "/api/v1/admin/licenses/999/extend", model.ExtendLicenseRequest{AdditionalDays: 5}, admin)
	assert.Equal(t, fiber.StatusNotFound, status)
}
