package services

import (
	"context"
	"errors"
	"time"

	"github.com/huangang/authcore/internal/config"
	"github.com/huangang/authcore/internal/models"
	"github.com/huangang/authcore/pkg/logger"
	"gorm.io/gorm"
)

// Failure reasons stored on LoginAttempt rows.
const (
	FailureUnknownEmail  = "unknown_email"
	FailureWrongPassword = "wrong_password"
	FailureDeactivated   = "account_deactivated"
	FailureIPRateLimited = "ip_rate_limited"
	FailureAccountLocked = "account_locked"
	FailureInternal      = "internal_error"
)

// LoginLimiterConfig holds the thresholds of both counters.
type LoginLimiterConfig struct {
	IPMaxAttempts         int
	IPWindow              time.Duration
	UserMaxFailedAttempts int
	UserLockoutWindow     time.Duration
	UserLockoutDuration   time.Duration
}

func DefaultLoginLimiterConfig() LoginLimiterConfig {
	return LoginLimiterConfig{
		IPMaxAttempts:         10,
		IPWindow:              time.Minute,
		UserMaxFailedAttempts: 5,
		UserLockoutWindow:     15 * time.Minute,
		UserLockoutDuration:   15 * time.Minute,
	}
}

// LoginLimiterConfigFrom converts the millisecond settings of AuthConfig.
func LoginLimiterConfigFrom(cfg *config.AuthConfig) LoginLimiterConfig {
	out := DefaultLoginLimiterConfig()
	if cfg.IPMaxAttempts > 0 {
		out.IPMaxAttempts = cfg.IPMaxAttempts
	}
	if cfg.IPWindowMs > 0 {
		out.IPWindow = time.Duration(cfg.IPWindowMs) * time.Millisecond
	}
	if cfg.UserMaxFailedAttempts > 0 {
		out.UserMaxFailedAttempts = cfg.UserMaxFailedAttempts
	}
	if cfg.UserLockoutWindowMs > 0 {
		out.UserLockoutWindow = time.Duration(cfg.UserLockoutWindowMs) * time.Millisecond
	}
	if cfg.UserLockoutDurationMs > 0 {
		out.UserLockoutDuration = time.Duration(cfg.UserLockoutDurationMs) * time.Millisecond
	}
	return out
}

// LimitResult is the verdict of CheckLoginLimit.
type LimitResult struct {
	Allowed           bool
	Reason            ErrorCode // IP_RATE_LIMITED or ACCOUNT_LOCKED when blocked
	RetryAfter        time.Duration
	RemainingAttempts int
}

// Err returns the rejection as an *AuthError, or nil when allowed.
func (r LimitResult) Err() error {
	if r.Allowed {
		return nil
	}
	e := NewRateLimitError(r.Reason, r.RetryAfter)
	e.RemainingAttempts = 0
	return e
}

// LoginAttemptInput describes one login call for the audit trail.
type LoginAttemptInput struct {
	Email         string
	IPAddress     string
	Success       bool
	UserID        *uint
	UserAgent     string
	FailureReason string
}

// LoginRateLimiter keeps one counter per IP and one per normalized email, and
// appends a LoginAttempt row for every call.
type LoginRateLimiter struct {
	cfg          LoginLimiterConfig
	ipStore      RateLimitStore
	accountStore RateLimitStore
	db           *gorm.DB
	now          func() time.Time
}

func NewLoginRateLimiter(db *gorm.DB, cfg LoginLimiterConfig, ipStore, accountStore RateLimitStore) *LoginRateLimiter {
	if ipStore == nil {
		ipStore = NewMemoryRateLimitStore()
	}
	if accountStore == nil {
		accountStore = NewMemoryRateLimitStore()
	}
	return &LoginRateLimiter{
		cfg:          cfg,
		ipStore:      ipStore,
		accountStore: accountStore,
		db:           db,
		now:          time.Now,
	}
}

// WithClock replaces the time source, used by tests.
func (l *LoginRateLimiter) WithClock(now func() time.Time) *LoginRateLimiter {
	l.now = now
	return l
}

// CheckLoginLimit evaluates the IP counter first and the account counter only
// if the IP passes, so an exhausted IP says nothing about the account. A store
// failure is logged and the attempt allowed.
func (l *LoginRateLimiter) CheckLoginLimit(ctx context.Context, ip, email string) LimitResult {
	now := l.now()

	ipRec, err := l.ipStore.Get(ctx, ip)
	if err != nil {
		logger.Warn().Err(err).Msg("ip rate limit lookup failed")
	} else if ipRec != nil && !ipRec.windowElapsed(now, l.cfg.IPWindow) && ipRec.Attempts >= l.cfg.IPMaxAttempts {
		return LimitResult{
			Reason:     CodeIPRateLimited,
			RetryAfter: ipRec.FirstAttemptAt.Add(l.cfg.IPWindow).Sub(now),
		}
	}

	result := LimitResult{Allowed: true, RemainingAttempts: l.cfg.UserMaxFailedAttempts}
	key := NormalizeEmail(email)
	if key == "" {
		return result
	}

	acctRec, err := l.accountStore.Get(ctx, key)
	if err != nil {
		logger.Warn().Err(err).Msg("account rate limit lookup failed")
		return result
	}
	if acctRec == nil {
		return result
	}

	if acctRec.lockedAt(now) {
		return LimitResult{
			Reason:     CodeAccountLocked,
			RetryAfter: acctRec.LockedUntil.Sub(now),
		}
	}
	if acctRec.LockedUntil != nil {
		// Lockout served; the next failure starts a fresh count.
		if err := l.accountStore.Reset(ctx, key); err != nil {
			logger.Warn().Err(err).Msg("account rate limit reset failed")
		}
		return result
	}
	if !acctRec.windowElapsed(now, l.cfg.UserLockoutWindow) {
		result.RemainingAttempts = l.cfg.UserMaxFailedAttempts - acctRec.Attempts
		if result.RemainingAttempts < 0 {
			result.RemainingAttempts = 0
		}
	}
	return result
}

// RecordLoginAttempt appends the audit row and updates counters. Success
// clears only the account counter; failure bumps both.
func (l *LoginRateLimiter) RecordLoginAttempt(ctx context.Context, in LoginAttemptInput) error {
	now := l.now()
	errs := []error{l.persistAttempt(ctx, in, now)}

	key := NormalizeEmail(in.Email)
	if in.Success {
		if key != "" {
			errs = append(errs, l.accountStore.Reset(ctx, key))
		}
		return errors.Join(errs...)
	}

	if _, err := l.ipStore.Increment(ctx, in.IPAddress, now, l.cfg.IPWindow); err != nil {
		errs = append(errs, err)
	}
	if key == "" {
		return errors.Join(errs...)
	}

	rec, err := l.accountStore.Increment(ctx, key, now, l.cfg.UserLockoutWindow)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if rec.Attempts >= l.cfg.UserMaxFailedAttempts && !rec.lockedAt(now) {
		until := now.Add(l.cfg.UserLockoutDuration)
		errs = append(errs, l.accountStore.LockUntil(ctx, key, now, until))
		logger.Warn().
			Str("ip", in.IPAddress).
			Int("attempts", rec.Attempts).
			Time("locked_until", until).
			Msg("account locked after repeated login failures")
	}
	return errors.Join(errs...)
}

// RecordBlockedAttempt writes the audit row for a rejected attempt without
// touching counters, so rejected retries do not extend a block.
func (l *LoginRateLimiter) RecordBlockedAttempt(ctx context.Context, in LoginAttemptInput) error {
	return l.RecordUncountedAttempt(ctx, in)
}

// RecordUncountedAttempt writes a failed-attempt row with no counter change.
// Used for attempts that failed on our side rather than on credentials.
func (l *LoginRateLimiter) RecordUncountedAttempt(ctx context.Context, in LoginAttemptInput) error {
	in.Success = false
	return l.persistAttempt(ctx, in, l.now())
}

// Sweep evicts idle counters from both stores.
func (l *LoginRateLimiter) Sweep(ctx context.Context) (int, error) {
	now := l.now()
	ipEvicted, ipErr := l.ipStore.Sweep(ctx, now, l.cfg.IPWindow)
	acctEvicted, acctErr := l.accountStore.Sweep(ctx, now, l.cfg.UserLockoutWindow)
	return ipEvicted + acctEvicted, errors.Join(ipErr, acctErr)
}

func (l *LoginRateLimiter) persistAttempt(ctx context.Context, in LoginAttemptInput, now time.Time) error {
	if l.db == nil {
		return nil
	}
	row := &models.LoginAttempt{
		UserID:        in.UserID,
		Email:         truncate(NormalizeEmail(in.Email), 255),
		IPAddress:     truncate(in.IPAddress, 64),
		Success:       in.Success,
		UserAgent:     truncate(in.UserAgent, 255),
		FailureReason: in.FailureReason,
		AttemptedAt:   now.UTC(),
	}
	if err := l.db.WithContext(ctx).Create(row).Error; err != nil {
		logger.Error().Err(err).Str("ip", in.IPAddress).Msg("failed to persist login attempt")
		return err
	}
	return nil
}
