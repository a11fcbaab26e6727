package handler

import (
	"errors"
	"net/http"
	"testing"

	"license-authority/internal/model"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestHandleUserRegister(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		input      RegisterInput
		wantStatus int
	}{
		{
			name: "valid_registration",
			input: RegisterInput{
				Username: "testuser",
				Password: "password123",
				Email:    "test@example.com",
			},
			wantStatus: fiber.StatusCreated,
		},
		{
			name: "duplicate_username",
			input: RegisterInput{
				Username: "testuser",
				Password: "password123",
				Email:    "another@example.com",
			},
			wantStatus: fiber.StatusConflict,
		},
		{
			name: "invalid_email",
			input: RegisterInput{
				Username: "other",
				Password: "password123",
				Email:    "not-an-email",
			},
			wantStatus: fiber.StatusBadRequest,
		},
		{
			name: "short_password",
			input: RegisterInput{
				Username: "other",
				Password: "123",
				Email:    "other@example.com",
			},
			wantStatus: fiber.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.call(t, http.MethodPost, "/api/v1/users/register", tt.input, "")
			assert.Equal(t, tt.wantStatus, status, body)
		})
	}
}

func TestRegisterGrantsFreeTrial(t *testing.T) {
	env := newTestEnv(t)
	body := env.register(t, "trial")

	license := body["license"].(map[string]interface{})
	assert.Equal(t, "free", license["type"])
	assert.Equal(t, float64(1), license["max_devices"])
	assert.Equal(t, float64(60), license["minutes_remaining"])
	_, hasPassword := body["user"].(map[string]interface{})["password"]
	assert.False(t, hasPassword)
}

func TestRegisterLeavesNoAccountWhenTrialFails(t *testing.T) {
	env := newTestEnv(t)

	failed := false
	err := env.db.Callback().Create().Before("gorm:create").Register("test:fail_trial", func(tx *gorm.DB) {
		if tx.Statement.Table == "licenses" && !failed {
			failed = true
			_ = tx.AddError(errors.New("disk I/O error"))
		}
	})
	require.NoError(t, err)

	input := RegisterInput{Username: "henry", Password: "password123", Email: "henry@example.com"}
	status, body := env.call(t, http.MethodPost, "/api/v1/users/register", input, "")
	assert.Equal(t, fiber.StatusServiceUnavailable, status, body)

	var count int64
	require.NoError(t, env.db.Model(&model.Account{}).Where("username = ?", "henry").Count(&count).Error)
	assert.Zero(t, count)

	status, body = env.call(t, http.MethodPost, "/api/v1/users/register", input, "")
	require.Equal(t, fiber.StatusCreated, status, body)
	assert.NotNil(t, body["license"])
}

func TestHandleUserLogin(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")

	status, _ := env.call(t, http.MethodPost, "/api/v1/users/login", LoginInput{
		Username: "alice", Password: "wrong-password",
	}, "")
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = env.call(t, http.MethodPost, "/api/v1/users/login", LoginInput{
		Username: "nobody", Password: "password123",
	}, "")
	assert.Equal(t, fiber.StatusUnauthorized, status)

	first := env.login(t, "alice", "password123", "laptop")
	assert.NotEmpty(t, first["token"])
	assert.NotEmpty(t, first["session_token"])
	assert.Equal(t, false, first["reused"])
	assert.NotNil(t, first["license"])

	// 宽限期内重复登录复用会话行，令牌轮换
	second := env.login(t, "alice", "password123", "laptop")
	assert.Equal(t, true, second["reused"])
	assert.NotEqual(t, first["session_token"], second["session_token"])

	status, logs := env.call(t, http.MethodGet, "/api/v1/users/login-logs", nil, first["token"].(string))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(3), logs["total"])
}

func TestHandleUserInfo(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "bob")
	token := env.login(t, "bob", "password123", "")["token"].(string)

	status, body := env.call(t, http.MethodGet, "/api/v1/users/info", nil, token)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "bob", body["username"])
	assert.Equal(t, "standard", body["role"])
}

func TestAuthMiddlewareRejects(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "carol")
	token := env.login(t, "carol", "password123", "")["token"].(string)

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
	}{
		{name: "missing_header", path: "/api/v1/users/info", wantStatus: fiber.StatusUnauthorized},
		{name: "bad_scheme", path: "/api/v1/users/info", header: "Token abc", wantStatus: fiber.StatusUnauthorized},
		{name: "bad_token", path: "/api/v1/users/info", header: "Bearer abc", wantStatus: fiber.StatusUnauthorized},
		{name: "not_admin", path: "/api/v1/admin/licenses", header: "Bearer " + token, wantStatus: fiber.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, tt.path, nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := env.app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestHandleChangePassword(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "dave")
	token := env.login(t, "dave", "password123", "")["token"].(string)

	status, _ := env.call(t, http.MethodPost, "/api/v1/auth/change-password", fiber.Map{
		"currentPassword": "wrong", "newPassword": "newpassword",
	}, token)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = env.call(t, http.MethodPost, "/api/v1/auth/change-password", fiber.Map{
		"currentPassword": "password123", "newPassword": "newpassword",
	}, token)
	require.Equal(t, fiber.StatusOK, status)

	env.login(t, "dave", "newpassword", "")

	status, logs := env.call(t, http.MethodGet, "/api/v1/users/logs", nil, token)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), logs["total"])
}

func TestHandleValidateToken(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	status, body := env.call(t, http.MethodPost, "/api/v1/auth/validate-token", fiber.Map{"token": token}, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["valid"])

	status, body = env.call(t, http.MethodPost, "/api/v1/auth/validate-token", fiber.Map{"token": "garbage"}, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["valid"])
}
