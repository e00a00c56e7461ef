package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/huangang/authcore/internal/config"
	"github.com/huangang/authcore/pkg/logger"
)

const (
	TaskTypeAuditRecord = "audit:record"
	auditQueueName      = "audit"
)

// QueuedAuditSink hands events to an asynq queue so request paths never wait
// on the audit table. Enqueue failures fall through to the direct sink.
type QueuedAuditSink struct {
	client   *asynq.Client
	fallback AuditSink
}

// NewQueuedAuditSink verifies Redis is reachable before returning.
func NewQueuedAuditSink(cfg *config.RedisConfig, fallback AuditSink) (*QueuedAuditSink, error) {
	redisOpt := redisClientOpt(cfg)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		return nil, fmt.Errorf("audit queue unavailable: %w", err)
	}

	return &QueuedAuditSink{
		client:   asynq.NewClient(redisOpt),
		fallback: fallback,
	}, nil
}

func (q *QueuedAuditSink) Record(ctx context.Context, event AuditEvent) {
	payload, err := json.Marshal(event)
	if err == nil {
		task := asynq.NewTask(TaskTypeAuditRecord, payload)
		if _, err = q.client.EnqueueContext(context.WithoutCancel(ctx), task,
			asynq.Queue(auditQueueName),
			asynq.MaxRetry(3),
		); err == nil {
			return
		}
	}

	logger.Warn().Err(err).Str("action", event.Action).Msg("audit enqueue failed, writing directly")
	if q.fallback != nil {
		q.fallback.Record(ctx, event)
	}
}

func (q *QueuedAuditSink) Close() error {
	return q.client.Close()
}

// InitAuditSink picks the queued sink when Redis is enabled and reachable,
// otherwise the direct one.
func InitAuditSink(cfg *config.Config, direct AuditSink) AuditSink {
	if !cfg.Redis.Enabled {
		logger.Info().Msg("audit sink: direct (redis disabled)")
		return direct
	}
	queued, err := NewQueuedAuditSink(&cfg.Redis, direct)
	if err != nil {
		logger.Warn().Err(err).Msg("audit sink: redis unavailable, falling back to direct")
		return direct
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("audit sink: queued")
	return queued
}

func redisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}
