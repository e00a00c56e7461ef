package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/authcore/internal/config"
	"github.com/huangang/authcore/pkg/logger"
)

// AuditWorker drains the audit queue into a sink.
type AuditWorker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	sink    AuditSink
	running bool
	mu      sync.Mutex
}

// NewAuditWorker returns nil when Redis is disabled.
func NewAuditWorker(cfg *config.RedisConfig, sink AuditSink) *AuditWorker {
	if !cfg.Enabled {
		return nil
	}

	server := asynq.NewServer(
		redisClientOpt(cfg),
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				auditQueueName: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error().Err(err).Str("task", task.Type()).Msg("audit task failed")
			}),
		},
	)

	w := &AuditWorker{
		server: server,
		mux:    asynq.NewServeMux(),
		sink:   sink,
	}
	w.mux.HandleFunc(TaskTypeAuditRecord, w.handleAuditTask)
	return w
}

func (w *AuditWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start audit worker: %w", err)
	}
	w.running = true
	logger.Info().Msg("audit worker started")
	return nil
}

// Stop waits for in-flight tasks.
func (w *AuditWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.server.Shutdown()
	w.running = false
	logger.Info().Msg("audit worker shutdown complete")
}

func (w *AuditWorker) handleAuditTask(ctx context.Context, t *asynq.Task) error {
	var event AuditEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		// A malformed payload will never succeed; do not retry it.
		return fmt.Errorf("decode audit task: %v: %w", err, asynq.SkipRetry)
	}
	w.sink.Record(ctx, event)
	return nil
}
