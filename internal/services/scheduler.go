package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/huangang/authcore/internal/models"
	"github.com/huangang/authcore/pkg/logger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const (
	LimiterSweepSchedule  = "@every 5m"
	TokenCleanupSchedule  = "@every 1h"
	AuditCleanupSchedule  = "@daily"
	AuditLogRetentionDays = 90
)

// CleanupScheduler owns the periodic maintenance jobs. All jobs are
// idempotent, so a job cut short by Stop is simply redone next slot.
type CleanupScheduler struct {
	db         *gorm.DB
	limiter    *LoginRateLimiter
	tokens     *RefreshTokenStore
	logs       *SystemLogService
	cron       *cron.Cron
	ctx        context.Context
	cancel     context.CancelFunc
	instanceID string
	log        zerolog.Logger
}

func NewCleanupScheduler(db *gorm.DB, limiter *LoginRateLimiter, tokens *RefreshTokenStore, logs *SystemLogService) *CleanupScheduler {
	host, _ := os.Hostname()
	ctx, cancel := context.WithCancel(context.Background())
	l := logger.Component("scheduler")

	cl := cronLogger{log: l}
	return &CleanupScheduler{
		db:         db,
		limiter:    limiter,
		tokens:     tokens,
		logs:       logs,
		cron:       cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		ctx:        ctx,
		cancel:     cancel,
		instanceID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		log:        l,
	}
}

// Start registers the jobs and starts the cron loop.
func (s *CleanupScheduler) Start() error {
	jobs := []struct {
		spec string
		fn   func()
	}{
		{LimiterSweepSchedule, s.SweepLimiter},
		{TokenCleanupSchedule, func() { s.withLock("refresh_token_cleanup", time.Hour, s.CleanupTokens) }},
		{AuditCleanupSchedule, func() { s.withLock("audit_log_cleanup", 24*time.Hour, s.CleanupAuditLogs) }},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, job.fn); err != nil {
			return fmt.Errorf("schedule %q: %w", job.spec, err)
		}
	}

	s.cron.Start()
	s.log.Info().Int("jobs", len(jobs)).Msg("cleanup scheduler started")
	return nil
}

// Stop cancels running jobs and waits for them, bounded by ctx.
func (s *CleanupScheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info().Msg("cleanup scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CleanupScheduler) SweepLimiter() {
	if s.limiter == nil {
		return
	}
	evicted, err := s.limiter.Sweep(s.ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("limiter sweep failed")
		return
	}
	if evicted > 0 {
		s.log.Debug().Int("evicted", evicted).Msg("limiter sweep")
	}
}

func (s *CleanupScheduler) CleanupTokens() {
	if s.tokens == nil {
		return
	}
	deleted, err := s.tokens.CleanupExpired(s.ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("refresh token cleanup failed")
		return
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted", deleted).Msg("expired refresh tokens removed")
	}
}

func (s *CleanupScheduler) CleanupAuditLogs() {
	if s.logs == nil {
		return
	}
	deleted, err := s.logs.CleanupOldLogs(s.ctx, AuditLogRetentionDays)
	if err != nil {
		s.log.Error().Err(err).Msg("audit log cleanup failed")
		return
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted", deleted).Int("retention_days", AuditLogRetentionDays).Msg("old audit logs removed")
	}
}

// withLock runs fn only if this instance wins the slot for name.
func (s *CleanupScheduler) withLock(name string, slot time.Duration, fn func()) {
	ok, err := s.acquireLock(name, slot)
	if err != nil {
		s.log.Warn().Err(err).Str("job", name).Msg("scheduler lock failed")
		return
	}
	if !ok {
		s.log.Debug().Str("job", name).Msg("slot taken by another instance")
		return
	}
	fn()
}

func (s *CleanupScheduler) acquireLock(name string, slot time.Duration) (bool, error) {
	if s.db == nil {
		return true, nil
	}
	now := time.Now().UTC()
	key := now.Truncate(slot).Format(time.RFC3339)

	db := s.db.WithContext(s.ctx)
	if err := db.Where("lock_name = ? AND expires_at < ?", name, now).Delete(&models.SchedulerLock{}).Error; err != nil {
		return false, err
	}

	lock := &models.SchedulerLock{
		LockName:  name,
		LockKey:   key,
		LockedBy:  s.instanceID,
		LockedAt:  now,
		ExpiresAt: now.Add(2 * slot),
	}
	if err := db.Create(lock).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
