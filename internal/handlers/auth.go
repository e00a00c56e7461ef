package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/authcore/internal/middleware"
	"github.com/huangang/authcore/internal/services"
	"github.com/huangang/authcore/pkg/logger"
	"github.com/huangang/authcore/pkg/response"
)

// RefreshTokenCookie is read when the request body carries no refresh token.
const RefreshTokenCookie = "refresh_token"

type AuthHandler struct {
	authService *services.AuthService
	limiter     *services.LoginRateLimiter
}

func NewAuthHandler(authService *services.AuthService, limiter *services.LoginRateLimiter) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		limiter:     limiter,
	}
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Register creates an account.
// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req services.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "email and password are required")
		return
	}

	result, err := h.authService.Register(c.Request.Context(), &req, requestMeta(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, result)
}

// Login checks the limiter, authenticates and records the attempt.
// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req services.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "email and password are required")
		return
	}

	ctx := c.Request.Context()
	meta := requestMeta(c)
	email := services.NormalizeEmail(req.Email)

	verdict := h.limiter.CheckLoginLimit(ctx, meta.IP, email)
	if !verdict.Allowed {
		reason := services.FailureIPRateLimited
		if verdict.Reason == services.CodeAccountLocked {
			reason = services.FailureAccountLocked
		}
		if err := h.limiter.RecordBlockedAttempt(ctx, services.LoginAttemptInput{
			Email:         email,
			IPAddress:     meta.IP,
			UserAgent:     meta.UserAgent,
			FailureReason: reason,
		}); err != nil {
			logger.Warn().Err(err).Msg("failed to record blocked login attempt")
		}
		writeError(c, verdict.Err())
		return
	}

	result, err := h.authService.Login(ctx, &req, meta)

	attempt := services.LoginAttemptInput{
		Email:     email,
		IPAddress: meta.IP,
		Success:   err == nil,
		UserAgent: meta.UserAgent,
	}
	var failure *services.LoginFailure
	var recErr error
	switch {
	case err == nil:
		attempt.UserID = &result.User.ID
		recErr = h.limiter.RecordLoginAttempt(ctx, attempt)
	case errors.As(err, &failure):
		attempt.UserID = failure.UserID
		attempt.FailureReason = failure.Reason
		recErr = h.limiter.RecordLoginAttempt(ctx, attempt)
	default:
		// Internal failures are kept but not counted.
		attempt.FailureReason = services.FailureInternal
		recErr = h.limiter.RecordUncountedAttempt(ctx, attempt)
	}
	if recErr != nil {
		logger.Warn().Err(recErr).Msg("failed to record login attempt")
	}

	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// Refresh rotates a refresh token.
// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	result, err := h.authService.Refresh(c.Request.Context(), refreshTokenFrom(c), requestMeta(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// Logout revokes the presented refresh token. It always succeeds.
// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	h.authService.Logout(c.Request.Context(), middleware.GetUserID(c), refreshTokenFrom(c), requestMeta(c))
	response.Success(c, gin.H{"message": "logged out successfully"})
}

// ChangePassword replaces the caller's password and ends all sessions.
// POST /api/auth/change-password
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req services.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "old_password and new_password are required")
		return
	}

	if err := h.authService.ChangePassword(c.Request.Context(), middleware.GetUserID(c), &req, requestMeta(c)); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "password changed"})
}

// RevokeAll ends every session of the caller.
// POST /api/auth/revoke-all
func (h *AuthHandler) RevokeAll(c *gin.Context) {
	user := middleware.GetUser(c)
	revoked, err := h.authService.RevokeAllUserTokens(c.Request.Context(), user, middleware.GetUserID(c), requestMeta(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"revoked": revoked})
}

// AdminRevokeSessions ends every session of the user in the path.
// POST /api/admin/users/:id/revoke-sessions
func (h *AuthHandler) AdminRevokeSessions(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid user id")
		return
	}

	revoked, err := h.authService.RevokeAllUserTokens(c.Request.Context(), middleware.GetUser(c), uint(id), requestMeta(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"revoked": revoked})
}

// GetCurrentUser returns the current logged-in user
// GET /api/auth/me
func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	user, err := h.authService.GetUserByID(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, user)
}

// Sessions lists the caller's live refresh tokens.
// GET /api/auth/sessions
func (h *AuthHandler) Sessions(c *gin.Context) {
	sessions, err := h.authService.ListSessions(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"items": sessions})
}

func requestMeta(c *gin.Context) services.RequestMeta {
	return services.RequestMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func refreshTokenFrom(c *gin.Context) string {
	var req refreshTokenRequest
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBindJSON(&req)
	}
	if req.RefreshToken != "" {
		return req.RefreshToken
	}
	if cookie, err := c.Cookie(RefreshTokenCookie); err == nil {
		return cookie
	}
	return ""
}

// writeError renders auth rejections with their code; rate-limit rejections
// also carry a Retry-After header.
func writeError(c *gin.Context, err error) {
	var authErr *services.AuthError
	if errors.As(err, &authErr) {
		if authErr.Status == http.StatusTooManyRequests {
			response.TooManyRequests(c, string(authErr.Code), authErr.Message, authErr.RetryAfterSeconds())
			return
		}
		response.Error(c, authErr)
		return
	}
	logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	response.Error(c, err)
}
