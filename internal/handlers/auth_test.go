package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/authcore/internal/models"
	"github.com/huangang/authcore/internal/services"
	"github.com/stretchr/testify/require"
)

func TestRegisterLoginRefreshFlow(t *testing.T) {
	s := newTestServer(t, services.DefaultLoginLimiterConfig())

	registered := s.register(t, "Alice@Example.com")
	require.Equal(t, "alice@example.com", registered.User.Email)
	require.Equal(t, models.RoleViewer, registered.User.Role)

	w, resp := s.do(t, "POST", "/api/auth/login", "", gin.H{"email": "alice@example.com", "password": testPassword})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	login := decodeTokens(t, resp)
	require.NotEmpty(t, login.RefreshToken)

	w, resp = s.do(t, "GET", "/api/auth/me", login.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me models.User
	require.NoError(t, json.Unmarshal(resp.Data, &me))
	require.Equal(t, registered.User.ID, me.ID)

	w, resp = s.do(t, "POST", "/api/auth/refresh", "", gin.H{"refresh_token": login.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rotated := decodeTokens(t, resp)
	require.NotEqual(t, login.RefreshToken, rotated.RefreshToken)

	// Replaying the rotated token burns the family.
	w, resp = s.do(t, "POST", "/api/auth/refresh", "", gin.H{"refresh_token": login.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "INVALID_REFRESH_TOKEN", resp.ErrorCode)

	w, _ = s.do(t, "POST", "/api/auth/refresh", "", gin.H{"refresh_token": rotated.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegister_Rejections(t *testing.T) {
	s := newTestServer(t, services.DefaultLoginLimiterConfig())
	s.register(t, "bob@example.com")

	cases := []struct {
		name   string
		body   gin.H
		status int
		code   string
	}{
		{"bad email", gin.H{"email": "not-an-email", "password": testPassword}, http.StatusBadRequest, "INVALID_EMAIL"},
		{"weak password", gin.H{"email": "carol@example.com", "password": "short"}, http.StatusBadRequest, "WEAK_PASSWORD"},
		{"duplicate", gin.H{"email": "BOB@example.com", "password": testPassword}, http.StatusConflict, "EMAIL_EXISTS"},
		{"missing fields", gin.H{}, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, resp := s.do(t, "POST", "/api/auth/register", "", tc.body)
			require.Equal(t, tc.status, w.Code)
			require.Equal(t, tc.code, resp.ErrorCode)
		})
	}
}

func TestLogin_NoEnumeration(t *testing.T) {
	s := newTestServer(t, services.DefaultLoginLimiterConfig())
	s.register(t, "dave@example.com")

	w1, unknown := s.do(t, "POST", "/api/auth/login", "", gin.H{"email": "nobody@example.com", "password": testPassword})
	w2, wrong := s.do(t, "POST", "/api/auth/login", "", gin.H{"email": "dave@example.com", "password": "Wrong1234"})

	require.Equal(t, http.StatusUnauthorized, w1.Code)
	require.Equal(t, w1.Code, w2.Code)
	require.Equal(t, unknown.ErrorCode, wrong.ErrorCode)
	require.Equal(t, unknown.Message, wrong.Message)

	var attempts []models.LoginAttempt
	require.NoError(t, s.db.Order("id").Find(&attempts).Error)
	require.Len(t, attempts, 2)
	require.Equal(t, services.FailureUnknownEmail, attempts[0].FailureReason)
	require.Nil(t, attempts[0].UserID)
	require.Equal(t, services.FailureWrongPassword, attempts[1].FailureReason)
	require.NotNil(t, attempts[1].UserID)
}

func TestLogin_AccountLockout(t *testing.T) {
	limits := services.LoginLimiterConfig{
		IPMaxAttempts:         100,
		IPWindow:              time.Minute,
		UserMaxFailedAttempts: 3,
		UserLockoutWindow:     15 * time.Minute,
		UserLockoutDuration:   15 * time.Minute,
	}
	s := newTestServer(t, limits)
	s.register(t, "erin@example.com")

	for i := 0; i < 3; i++ {
		w, resp := s.do(t, "POST", "/api/auth/login", "", gin.H{"email": "erin@example.com", "password": "Wrong1234"})
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Equal(t, "INVALID_CREDENTIALS", resp.ErrorCode)
	}

	// Even the right password is refused while locked.
	w, resp := s.do(t, "POST", "/api/auth/login", "", gin.H{"email": "ERIN@example.com", "password": testPassword})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "ACCOUNT_LOCKED", resp.ErrorCode)
	require.NotEmpty(t, w.Header().Get("Retry-After"))

	var data struct {
		RetryAfterSeconds int `json:"retryAfterSeconds"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Greater(t, data.RetryAfterSeconds, 0)

	var blocked models.LoginAttempt
	require.NoError(t, s.db.Order("id DESC").First(&blocked).Error)
	require.Equal(t, services.FailureAccountLocked, blocked.FailureReason)
}

func TestLogin_IPRateLimited(t *testing.T) {
	limits := services.DefaultLoginLimiterConfig()
	limits.IPMaxAttempts = 2
	s := newTestServer(t, limits)

	for i := 0; i < 2; i++ {
		w, _ := s.do(t, "POST", "/api/auth/login", "", gin.H{"email": "ghost@example.com", "password": testPassword})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w, resp := s.do(t, "POST", "/api/auth/login", "", gin.H{"email": "ghost2@example.com", "password": testPassword})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "IP_RATE_LIMITED", resp.ErrorCode)
}

func TestLogin_SpoofedForwardedForStillRateLimited(t *testing.T) {
	s := newTestServer(t, services.DefaultLoginLimiterConfig())

	// Fresh emails each time so only the IP counter can trip.
	for i := 1; i <= 10; i++ {
		body := gin.H{"email": fmt.Sprintf("ghost%d@example.com", i), "password": testPassword}
		req := newJSONRequest(t, "POST", "/api/auth/login", body)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		w, resp := s.send(t, req)
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i)
		require.Equal(t, "INVALID_CREDENTIALS", resp.ErrorCode)
	}

	req := newJSONRequest(t, "POST", "/api/auth/login", gin.H{"email": "ghost99@example.com", "password": testPassword})
	req.Header.Set("X-Forwarded-For", "198.51.100.99")
	req.Header.Set("X-Real-IP", "198.51.100.99")
	w, resp := s.send(t, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "IP_RATE_LIMITED", resp.ErrorCode)

	var ips []string
	require.NoError(t, s.db.Model(&models.LoginAttempt{}).Distinct().Pluck("ip_address", &ips).Error)
	require.Equal(t, []string{"203.0.113.7"}, ips)
}

type brokenUserStore struct {
	services.UserStore
}

var errStoreDown = errors.New("user store unavailable")

func (brokenUserStore) FindByEmail(context.Context, string) (*models.User, error) {
	return nil, errStoreDown
}

func TestLogin_InternalErrorIsRecordedButNotCounted(t *testing.T) {
	limits := services.DefaultLoginLimiterConfig()
	limits.IPMaxAttempts = 2
	s := newTestServer(t, limits, func(users services.UserStore) services.UserStore {
		return brokenUserStore{UserStore: users}
	})

	for i := 0; i < 3; i++ {
		w, resp := s.do(t, "POST", "/api/auth/login", "", gin.H{"email": "Dana@Example.com", "password": testPassword})
		require.Equal(t, http.StatusInternalServerError, w.Code)
	}

	var attempts []models.LoginAttempt
	require.NoError(t, s.db.Order("id").Find(&attempts).Error)
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		require.False(t, a.Success)
		require.Equal(t, services.FailureInternal, a.FailureReason)
		require.Equal(t, "dana@example.com", a.Email)
		require.Nil(t, a.UserID)
	}
}

func TestChangePassword_RevokesSessions(t *testing.T) {
	s := newTestServer(t, services.DefaultLoginLimiterConfig())
	pair := s.register(t, "frank@example.com")

	w, resp := s.do(t, "POST", "/api/auth/change-password", pair.AccessToken, gin.H{"old_password": "Wrong1234", "new_password": "N3wPassword"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "INVALID_PASSWORD", resp.ErrorCode)

	w, _ = s.do(t, "POST", "/api/auth/change-password", pair.AccessToken, gin.H{"old_password": testPassword, "new_password": "N3wPassword"})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, "POST", "/api/auth/refresh", "", gin.H{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, "POST", "/api/auth/login", "", gin.H{"email": "frank@example.com", "password": "N3wPassword"})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestLogoutAndSessions(t *testing.T) {
	s := newTestServer(t, services.DefaultLoginLimiterConfig())
	first := s.register(t, "grace@example.com")
	_, resp := s.do(t, "POST", "/api/auth/login", "", gin.H{"email": "grace@example.com", "password": testPassword})
	second := decodeTokens(t, resp)

	w, resp := s.do(t, "GET", "/api/auth/sessions", second.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sessions struct {
		Items []models.RefreshToken `json:"items"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &sessions))
	require.Len(t, sessions.Items, 2)

	w, _ = s.do(t, "POST", "/api/auth/logout", second.AccessToken, gin.H{"refresh_token": first.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, "POST", "/api/auth/refresh", "", gin.H{"refresh_token": first.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = s.do(t, "POST", "/api/auth/refresh", "", gin.H{"refresh_token": second.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, "POST", "/api/auth/logout", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRevokeAllAndAdminRoutes(t *testing.T) {
	s := newTestServer(t, services.DefaultLoginLimiterConfig())
	admin := s.register(t, "root@example.com")
	s.makeAdmin(t, admin.User.ID)
	user := s.register(t, "heidi@example.com")

	w, _ := s.do(t, "GET", "/api/admin/audit-logs", user.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	path := "/api/admin/users/" + strconv.FormatUint(uint64(user.User.ID), 10) + "/revoke-sessions"
	w, resp := s.do(t, "POST", path, admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.JSONEq(t, `{"revoked":1}`, string(resp.Data))

	w, _ = s.do(t, "POST", "/api/auth/refresh", "", gin.H{"refresh_token": user.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp = s.do(t, "POST", "/api/auth/revoke-all", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"revoked":1}`, string(resp.Data))

	w, resp = s.do(t, "GET", "/api/admin/audit-logs?action=REVOKE_ALL_SESSIONS", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs services.SystemLogListResponse
	require.NoError(t, json.Unmarshal(resp.Data, &logs))
	require.Equal(t, int64(2), logs.Total)
}

func TestAdminAuthSettings(t *testing.T) {
	s := newTestServer(t, services.DefaultLoginLimiterConfig())
	admin := s.register(t, "ivan@example.com")
	s.makeAdmin(t, admin.User.ID)

	w, resp := s.do(t, "GET", "/api/admin/auth-settings", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"access_token_ttl":"15m","refresh_token_days":30}`, string(resp.Data))

	w, _ = s.do(t, "PUT", "/api/admin/auth-settings", admin.AccessToken, gin.H{"access_token_ttl": "48h"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = s.do(t, "PUT", "/api/admin/auth-settings", admin.AccessToken, gin.H{"access_token_ttl": "30m", "refresh_token_days": 7})
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"access_token_ttl":"30m","refresh_token_days":7}`, string(resp.Data))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, services.DefaultLoginLimiterConfig())

	w, _ := s.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"database":"ok"`)
}
