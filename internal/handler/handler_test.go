package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"license-authority/internal/database"
	"license-authority/internal/middleware"
	"license-authority/internal/service"
	"license-authority/internal/util"
	"license-authority/internal/vault"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const adminPassword = "admin-password"

type testEnv struct {
	app       *fiber.App
	db        *gorm.DB
	authority *service.Authority
	handler   *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := database.NewTestDB(t)
	require.NoError(t, database.SeedAdmin(db, adminPassword))

	v, err := vault.New("handler-test-secret", "handler-test-salt", nil)
	require.NoError(t, err)

	accounts := service.NewAccountStore(db)
	authority := service.NewAuthority(service.Options{
		DB:       db,
		Vault:    v,
		Accounts: accounts,
	})
	tokens := util.NewTokenIssuer("handler-test-jwt", time.Hour)

	h := New(Deps{
		Authority: authority,
		Accounts:  accounts,
		Audit:     service.NewAuditLog(db),
		Reporter:  service.NewReporter(db, nil),
		Tokens:    tokens,
	})

	app := fiber.New()
	h.Register(app, middleware.Auth(tokens), middleware.AdminOnly(accounts))
	return &testEnv{app: app, db: db, authority: authority, handler: h}
}

// call 发送 JSON 请求并解析响应体
func (e *testEnv) call(t *testing.T, method, path string, body interface{}, token string) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (e *testEnv) register(t *testing.T, username string) map[string]interface{} {
	t.Helper()
	status, body := e.call(t, http.MethodPost, "/api/v1/users/register", RegisterInput{
		Username: username,
		Password: "password123",
		Email:    fmt.Sprintf("%s@example.com", username),
	}, "")
	require.Equal(t, fiber.StatusCreated, status, body)
	return body
}

func (e *testEnv) login(t *testing.T, username, password, device string) map[string]interface{} {
	t.Helper()
	status, body := e.call(t, http.MethodPost, "/api/v1/users/login", LoginInput{
		Username: username,
		Password: password,
		Device:   device,
	}, "")
	require.Equal(t, fiber.StatusOK, status, body)
	return body
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	return e.login(t, "admin", adminPassword, "console")["token"].(string)
}

func accountIDOf(body map[string]interface{}) uint {
	return uint(body["user"].(map[string]interface{})["id"].(float64))
}
