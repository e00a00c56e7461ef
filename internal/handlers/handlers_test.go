package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/huangang/authcore/internal/config"
	"github.com/huangang/authcore/internal/middleware"
	"github.com/huangang/authcore/internal/models"
	"github.com/huangang/authcore/internal/services"
	"github.com/huangang/authcore/internal/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testPassword = "Passw0rd1"

var dbSeq atomic.Int64

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	db     *gorm.DB
	router *gin.Engine
	auth   *services.AuthService
}

// userStoreWrap decorates the gorm-backed user store of a test server.
type userStoreWrap func(services.UserStore) services.UserStore

func newTestServer(t *testing.T, limits services.LoginLimiterConfig, wraps ...userStoreWrap) *testServer {
	t.Helper()

	dsn := fmt.Sprintf("file:handlers_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.Migrate(db))

	jwtCfg := config.JWTConfig{Secret: "handlers-test-secret-0123456789abcd", AccessExpiresIn: "15m", RefreshExpiresInDays: 30}
	settings := services.NewSystemConfigService(db)
	var users services.UserStore = services.NewGormUserStore(db)
	for _, wrap := range wraps {
		users = wrap(users)
	}
	authService := services.NewAuthService(services.AuthDeps{
		Users:          users,
		Tokens:         services.NewRefreshTokenStore(db),
		Codec:          utils.NewTokenCodec(jwtCfg.Secret),
		Audit:          services.NewSystemLogSink(db),
		Settings:       settings,
		JWT:            jwtCfg,
		ReuseDetection: true,
	})
	limiter := services.NewLoginRateLimiter(db, limits, nil, nil)

	authHandler := NewAuthHandler(authService, limiter)
	adminHandler := NewAdminHandler(services.NewSystemLogService(db), settings, jwtCfg)

	r := gin.New()
	require.NoError(t, r.SetTrustedProxies(nil))
	r.Use(middleware.Authenticate(authService))
	r.GET("/health", NewHealthHandler(db, "direct").CheckHealth)
	api := r.Group("/api")
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)
	api.POST("/auth/refresh", authHandler.Refresh)
	protected := api.Group("", middleware.AuthRequired())
	protected.GET("/auth/me", authHandler.GetCurrentUser)
	protected.GET("/auth/sessions", authHandler.Sessions)
	protected.POST("/auth/logout", authHandler.Logout)
	protected.POST("/auth/change-password", authHandler.ChangePassword)
	protected.POST("/auth/revoke-all", authHandler.RevokeAll)
	admin := protected.Group("/admin", middleware.AdminRequired())
	admin.GET("/audit-logs", adminHandler.ListAuditLogs)
	admin.GET("/auth-settings", adminHandler.GetAuthSettings)
	admin.PUT("/auth-settings", adminHandler.UpdateAuthSettings)
	admin.POST("/users/:id/revoke-sessions", authHandler.AdminRevokeSessions)

	return &testServer{db: db, router: r, auth: authService}
}

type apiResponse struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"error_code"`
	Data      json.RawMessage `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	req := newJSONRequest(t, method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.send(t, req)
}

// newJSONRequest builds a request from the fixed test client socket.
func newJSONRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:4000"
	return req
}

func (s *testServer) send(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    uint   `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	} `json:"user"`
}

func decodeTokens(t *testing.T, resp apiResponse) tokenPair {
	t.Helper()
	var pair tokenPair
	require.NoError(t, json.Unmarshal(resp.Data, &pair))
	require.NotEmpty(t, pair.AccessToken)
	return pair
}

func (s *testServer) register(t *testing.T, email string) tokenPair {
	t.Helper()
	w, resp := s.do(t, "POST", "/api/auth/register", "", gin.H{"email": email, "password": testPassword})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeTokens(t, resp)
}

func (s *testServer) makeAdmin(t *testing.T, id uint) {
	t.Helper()
	require.NoError(t, s.db.Model(&models.User{}).Where("id = ?", id).Update("role", models.RoleAdmin).Error)
}
