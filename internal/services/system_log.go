package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/huangang/authcore/internal/models"
	"github.com/huangang/authcore/pkg/logger"
	"gorm.io/gorm"
)

// SystemLogSink writes audit events to the system_logs table.
type SystemLogSink struct {
	db *gorm.DB
}

func NewSystemLogSink(db *gorm.DB) *SystemLogSink {
	return &SystemLogSink{db: db}
}

func (s *SystemLogSink) Record(ctx context.Context, event AuditEvent) {
	if s.db == nil {
		return
	}

	var extraStr string
	if event.Extra != nil {
		if b, err := json.Marshal(event.Extra); err == nil {
			extraStr = string(b)
		}
	}

	level := event.Level
	if level == "" {
		level = "info"
	}
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}

	row := &models.SystemLog{
		Level:     level,
		Module:    auditModule,
		Action:    event.Action,
		Message:   event.Message,
		UserID:    event.UserID,
		IP:        event.IP,
		UserAgent: truncate(event.UserAgent, 500),
		Extra:     extraStr,
		CreatedAt: at,
	}
	// Detached from the request so a cancelled client does not lose the row.
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Create(row).Error; err != nil {
		logger.Error().Err(err).Str("action", event.Action).Msg("failed to write audit log")
	}
}

type SystemLogService struct {
	db *gorm.DB
}

func NewSystemLogService(db *gorm.DB) *SystemLogService {
	return &SystemLogService{db: db}
}

type SystemLogListRequest struct {
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Level    string `form:"level"`
	Action   string `form:"action"`
	UserID   uint   `form:"user_id"`
}

type SystemLogListResponse struct {
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Items    []models.SystemLog `json:"items"`
}

func (s *SystemLogService) List(ctx context.Context, req *SystemLogListRequest) (*SystemLogListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}

	var logs []models.SystemLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.SystemLog{})

	if req.Level != "" {
		query = query.Where("level = ?", req.Level)
	}
	if req.Action != "" {
		query = query.Where("action = ?", req.Action)
	}
	if req.UserID != 0 {
		query = query.Where("user_id = ?", req.UserID)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("created_at DESC, id DESC").Find(&logs).Error; err != nil {
		return nil, err
	}

	return &SystemLogListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    logs,
	}, nil
}

// CleanupOldLogs deletes audit rows older than retentionDays. Login attempts
// are never touched.
func (s *SystemLogService) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoffTime := time.Now().AddDate(0, 0, -retentionDays)
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoffTime).Delete(&models.SystemLog{})
	if result.Error != nil {
		return 0, result.Error
	}

	return result.RowsAffected, nil
}
