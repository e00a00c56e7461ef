package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/huangang/authcore/internal/config"
	"github.com/huangang/authcore/internal/models"
	"github.com/huangang/authcore/internal/utils"
	"github.com/huangang/authcore/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/huangang/authcore/internal/services"

// ErrNotPermitted is returned when a caller acts on another user's sessions
// without the admin role.
var ErrNotPermitted = &AuthError{
	Code:              "FORBIDDEN",
	Status:            http.StatusForbidden,
	Message:           "not permitted",
	RemainingAttempts: -1,
}

// AuthDeps wires an AuthService. Tokens may be nil, in which case no refresh
// tokens are issued and Refresh reports REFRESH_NOT_AVAILABLE.
type AuthDeps struct {
	Users          UserStore
	Tokens         *RefreshTokenStore
	Codec          *utils.TokenCodec
	Audit          AuditSink
	Settings       *SystemConfigService
	JWT            config.JWTConfig
	ReuseDetection bool
}

type AuthService struct {
	users          UserStore
	tokens         *RefreshTokenStore
	codec          *utils.TokenCodec
	audit          AuditSink
	settings       *SystemConfigService
	jwtCfg         config.JWTConfig
	reuseDetection bool
	validate       *validator.Validate
	tracer         trace.Tracer
	now            func() time.Time
}

func NewAuthService(deps AuthDeps) *AuthService {
	audit := deps.Audit
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &AuthService{
		users:          deps.Users,
		tokens:         deps.Tokens,
		codec:          deps.Codec,
		audit:          audit,
		settings:       deps.Settings,
		jwtCfg:         deps.JWT,
		reuseDetection: deps.ReuseDetection,
		validate:       validator.New(),
		tracer:         otel.Tracer(tracerName),
		now:            time.Now,
	}
}

type RegisterRequest struct {
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// AuthResult is returned by Register, Login and Refresh. RefreshToken is the
// raw value and is never retrievable again.
type AuthResult struct {
	User                  *models.User `json:"user"`
	AccessToken           string       `json:"access_token"`
	AccessTokenExpiresAt  time.Time    `json:"access_token_expires_at"`
	RefreshToken          string       `json:"refresh_token,omitempty"`
	RefreshTokenExpiresAt *time.Time   `json:"refresh_token_expires_at,omitempty"`
}

// LoginFailure carries the attempt-trail details of a failed login. It
// unwraps to the public AuthError, so callers see only the code.
type LoginFailure struct {
	Err    *AuthError
	Reason string
	UserID *uint
}

func (f *LoginFailure) Error() string { return f.Err.Error() }

func (f *LoginFailure) Unwrap() error { return f.Err }

// Register creates a viewer account and signs it in.
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest, meta RequestMeta) (_ *AuthResult, err error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Register")
	email := NormalizeEmail(req.Email)
	defer func() {
		if err != nil {
			s.record(ctx, "warning", ActionRegisterFailed, "registration failed", nil, meta,
				map[string]interface{}{"email": truncate(email, 255), "error_code": failureCode(err)})
		}
		endSpan(span, err)
	}()

	if s.validate.Var(email, "required,email,max=255") != nil {
		return nil, ErrInvalidEmail
	}
	if utils.ValidatePasswordStrength(req.Password) != nil {
		return nil, ErrWeakPassword
	}

	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return nil, ErrEmailExists
	} else if !errors.Is(err, ErrUserRecordNotFound) {
		return nil, err
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		Email:       email,
		Password:    hash,
		DisplayName: req.DisplayName,
		Role:        models.RoleViewer,
		IsActive:    true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrUserRecordExists) {
			return nil, ErrEmailExists
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int64("user.id", int64(user.ID)))

	result, err := s.issueTokens(ctx, user, "", nil, meta)
	if err != nil {
		return nil, err
	}

	s.record(ctx, "info", ActionRegister, "user registered", &user.ID, meta, nil)
	return result, nil
}

// Login checks credentials. Unknown email and wrong password are
// indistinguishable to the caller, in code and in bcrypt work. Rate limiting
// is the caller's job.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest, meta RequestMeta) (_ *AuthResult, err error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Login")
	defer func() {
		var failure *LoginFailure
		if err != nil && !errors.As(err, &failure) {
			s.record(ctx, "error", ActionLoginFailed, "login failed", nil, meta,
				map[string]interface{}{"reason": FailureInternal})
		}
		endSpan(span, err)
	}()

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserRecordNotFound) {
			utils.BurnPasswordCheck(req.Password)
			return nil, s.loginFailed(ctx, ErrInvalidCredentials, FailureUnknownEmail, nil, meta)
		}
		return nil, err
	}

	if !utils.CheckPassword(req.Password, user.Password) {
		return nil, s.loginFailed(ctx, ErrInvalidCredentials, FailureWrongPassword, uintPtr(user.ID), meta)
	}
	if !user.IsActive {
		return nil, s.loginFailed(ctx, ErrAccountDeactivated, FailureDeactivated, uintPtr(user.ID), meta)
	}
	span.SetAttributes(attribute.Int64("user.id", int64(user.ID)))

	now := s.now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		logger.Warn().Err(err).Uint("user_id", user.ID).Msg("failed to update last login")
	} else {
		user.LastLoginAt = &now
	}

	result, err := s.issueTokens(ctx, user, "", nil, meta)
	if err != nil {
		return nil, err
	}

	s.record(ctx, "info", ActionLogin, "user logged in", &user.ID, meta, nil)
	return result, nil
}

func (s *AuthService) loginFailed(ctx context.Context, authErr *AuthError, reason string, userID *uint, meta RequestMeta) error {
	s.record(ctx, "warning", ActionLoginFailed, "login failed", userID, meta,
		map[string]interface{}{"reason": reason})
	return &LoginFailure{Err: authErr, Reason: reason, UserID: userID}
}

// Refresh rotates a refresh token: the presented token is atomically revoked
// and a successor is minted in the same family.
func (s *AuthService) Refresh(ctx context.Context, rawToken string, meta RequestMeta) (_ *AuthResult, err error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Refresh")
	defer func() { endSpan(span, err) }()

	if s.tokens == nil {
		return nil, ErrRefreshNotAvailable
	}
	if rawToken == "" {
		return nil, ErrInvalidRefreshToken
	}

	hash := HashRefreshToken(rawToken)
	record, err := s.tokens.FindAndRevokeValidToken(ctx, hash)
	if err != nil {
		return nil, err
	}
	if record == nil {
		s.detectReuse(ctx, hash, meta)
		return nil, ErrInvalidRefreshToken
	}
	span.SetAttributes(attribute.String("token.family_id", record.FamilyID))

	user, err := s.users.FindByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrUserRecordNotFound) {
			s.revokeFamily(ctx, record.FamilyID, models.RevokeReasonFamilyRevoked)
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if !user.IsActive {
		s.revokeFamily(ctx, record.FamilyID, models.RevokeReasonAccountDeactivated)
		return nil, ErrAccountDeactivated
	}

	parentID := record.ID
	return s.issueTokens(ctx, user, record.FamilyID, &parentID, meta)
}

// detectReuse burns the family of a token that was already rotated away.
// A replayed stale token means the chain has leaked.
func (s *AuthService) detectReuse(ctx context.Context, hash string, meta RequestMeta) {
	if !s.reuseDetection {
		return
	}
	prior, err := s.tokens.FindByHash(ctx, hash)
	if err != nil || prior == nil {
		return
	}
	if prior.RevokedReason != models.RevokeReasonRotated || prior.IsExpired(s.now()) {
		return
	}

	revoked := s.revokeFamily(ctx, prior.FamilyID, models.RevokeReasonReuseDetected)
	logger.Warn().
		Uint("user_id", prior.UserID).
		Str("family_id", prior.FamilyID).
		Int64("revoked", revoked).
		Str("ip", meta.IP).
		Msg("rotated refresh token replayed; family revoked")
	s.record(ctx, "warning", ActionTokenReuse, "rotated refresh token presented again", &prior.UserID, meta,
		map[string]interface{}{"family_id": prior.FamilyID, "revoked": revoked})
}

func (s *AuthService) revokeFamily(ctx context.Context, familyID, reason string) int64 {
	n, err := s.tokens.RevokeFamily(ctx, familyID, reason)
	if err != nil {
		logger.Error().Err(err).Str("family_id", familyID).Msg("failed to revoke token family")
	}
	return n
}

// ChangePassword replaces the hash and signs the user out everywhere.
func (s *AuthService) ChangePassword(ctx context.Context, userID uint, req *ChangePasswordRequest, meta RequestMeta) (err error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.ChangePassword", trace.WithAttributes(attribute.Int64("user.id", int64(userID))))
	defer func() { endSpan(span, err) }()

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	if !utils.CheckPassword(req.OldPassword, user.Password) {
		return ErrInvalidPassword
	}
	if utils.ValidatePasswordStrength(req.NewPassword) != nil {
		return ErrWeakPassword
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		if errors.Is(err, ErrUserRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	var revoked int64
	if s.tokens != nil {
		if revoked, err = s.tokens.RevokeAllForUser(ctx, user.ID, models.RevokeReasonPasswordChange); err != nil {
			return err
		}
	}

	s.record(ctx, "info", ActionPasswordChange, "password changed", &user.ID, meta,
		map[string]interface{}{"revoked_sessions": revoked})
	return nil
}

// Logout revokes the presented refresh token if it belongs to the user.
// Failures are logged, never returned.
func (s *AuthService) Logout(ctx context.Context, userID uint, rawToken string, meta RequestMeta) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Logout", trace.WithAttributes(attribute.Int64("user.id", int64(userID))))
	defer span.End()

	if s.tokens != nil && rawToken != "" {
		record, err := s.tokens.FindByHash(ctx, HashRefreshToken(rawToken))
		switch {
		case err != nil:
			logger.Warn().Err(err).Uint("user_id", userID).Msg("logout token lookup failed")
		case record != nil && record.UserID == userID:
			if err := s.tokens.Revoke(ctx, record.ID, models.RevokeReasonLogout); err != nil {
				logger.Warn().Err(err).Uint("user_id", userID).Msg("logout revoke failed")
			}
		}
	}

	s.record(ctx, "info", ActionLogout, "user logged out", &userID, meta, nil)
}

// RevokeAllUserTokens ends every session of userID. The actor must be that
// user or an admin.
func (s *AuthService) RevokeAllUserTokens(ctx context.Context, actor *models.User, userID uint, meta RequestMeta) (_ int64, err error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.RevokeAllUserTokens", trace.WithAttributes(attribute.Int64("user.id", int64(userID))))
	defer func() { endSpan(span, err) }()

	if actor == nil || (actor.ID != userID && !actor.IsAdmin()) {
		return 0, ErrNotPermitted
	}
	if s.tokens == nil {
		return 0, nil
	}

	revoked, err := s.tokens.RevokeAllForUser(ctx, userID, models.RevokeReasonRevokeAll)
	if err != nil {
		return 0, err
	}

	s.record(ctx, "info", ActionRevokeAll, "all sessions revoked", &userID, meta,
		map[string]interface{}{"actor_id": actor.ID, "revoked": revoked})
	return revoked, nil
}

// VerifyToken resolves an access token to its live, active user. Any failure
// yields nil; callers treat that as anonymous.
func (s *AuthService) VerifyToken(ctx context.Context, accessToken string) *models.User {
	claims, err := s.codec.Verify(accessToken)
	if err != nil {
		return nil
	}
	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil || !user.IsActive {
		return nil
	}
	return user
}

// ListSessions returns the user's live refresh tokens.
func (s *AuthService) ListSessions(ctx context.Context, userID uint) ([]models.RefreshToken, error) {
	if s.tokens == nil {
		return nil, ErrRefreshNotAvailable
	}
	return s.tokens.ListActiveForUser(ctx, userID)
}

func (s *AuthService) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if errors.Is(err, ErrUserRecordNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

// CreateAdminIfNotExists creates the bootstrap admin when no admin exists and
// credentials are configured.
func (s *AuthService) CreateAdminIfNotExists(ctx context.Context, email, password string) error {
	count, err := s.users.CountByRole(ctx, models.RoleAdmin)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if email == "" || password == "" {
		logger.Warn().Msg("no admin user exists and ADMIN_EMAIL/ADMIN_PASSWORD are not set")
		return nil
	}
	if err := utils.ValidatePasswordStrength(password); err != nil {
		return fmt.Errorf("admin password: %w", err)
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		return err
	}
	admin := &models.User{
		Email:       email,
		Password:    hash,
		DisplayName: "Administrator",
		Role:        models.RoleAdmin,
		IsActive:    true,
		IsVerified:  true,
	}
	if err := s.users.Create(ctx, admin); err != nil {
		return err
	}
	logger.Info().Uint("user_id", admin.ID).Msg("bootstrap admin created")
	return nil
}

func (s *AuthService) issueTokens(ctx context.Context, user *models.User, familyID string, parentID *uint, meta RequestMeta) (*AuthResult, error) {
	access, accessExp, err := s.codec.Sign(user.ID, user.Email, s.accessTTL())
	if err != nil {
		return nil, err
	}

	result := &AuthResult{
		User:                 user,
		AccessToken:          access,
		AccessTokenExpiresAt: accessExp,
	}
	if s.tokens == nil {
		return result, nil
	}

	raw, record, err := s.tokens.Create(ctx, IssueRefreshToken{
		UserID:        user.ID,
		FamilyID:      familyID,
		TTLDays:       s.refreshDays(),
		ParentTokenID: parentID,
		IPAddress:     meta.IP,
		UserAgent:     meta.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	result.RefreshToken = raw
	result.RefreshTokenExpiresAt = &record.ExpiresAt
	return result, nil
}

func (s *AuthService) accessTTL() time.Duration {
	value := s.jwtCfg.AccessExpiresIn
	if s.settings != nil {
		value = s.settings.GetWithDefault(ConfigKeyAccessTokenTTL, value)
	}
	return utils.ParseTTL(value)
}

func (s *AuthService) refreshDays() int {
	days := s.jwtCfg.RefreshExpiresInDays
	if s.settings != nil {
		if n, err := strconv.Atoi(s.settings.GetWithDefault(ConfigKeyRefreshTokenDays, "")); err == nil && n > 0 {
			days = n
		}
	}
	if days <= 0 {
		days = DefaultRefreshDays
	}
	return days
}

func (s *AuthService) record(ctx context.Context, level, action, message string, userID *uint, meta RequestMeta, extra map[string]interface{}) {
	s.audit.Record(ctx, AuditEvent{
		Level:     level,
		Action:    action,
		Message:   message,
		UserID:    userID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Extra:     extra,
		At:        s.now(),
	})
}

// failureCode is the error code for audit rows, or internal_error for
// untyped failures.
func failureCode(err error) string {
	if code := CodeOf(err); code != "" {
		return string(code)
	}
	return FailureInternal
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		if code := CodeOf(err); code != "" {
			span.SetAttributes(attribute.String("auth.error_code", string(code)))
		} else {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
