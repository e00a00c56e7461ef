package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/huangang/authcore/internal/models"
	"github.com/stretchr/testify/require"
)

func TestSystemLogSink_Record(t *testing.T) {
	db := newTestDB(t)
	sink := NewSystemLogSink(db)
	uid := uint(5)

	sink.Record(context.Background(), AuditEvent{
		Action:    ActionLogin,
		Message:   "user logged in",
		UserID:    &uid,
		IP:        "192.0.2.1",
		UserAgent: strings.Repeat("u", 600),
		Extra:     map[string]interface{}{"family_id": "f1"},
	})

	var rows []models.SystemLog
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, "info", rows[0].Level)
	require.Equal(t, "auth", rows[0].Module)
	require.Equal(t, ActionLogin, rows[0].Action)
	require.Equal(t, uid, *rows[0].UserID)
	require.Len(t, rows[0].UserAgent, 500)
	require.JSONEq(t, `{"family_id":"f1"}`, rows[0].Extra)
}

func TestSystemLogService_ListAndCleanup(t *testing.T) {
	db := newTestDB(t)
	sink := NewSystemLogSink(db)
	svc := NewSystemLogService(db)
	ctx := context.Background()
	uid := uint(9)

	sink.Record(ctx, AuditEvent{Action: ActionRegister, UserID: &uid, At: time.Now().AddDate(0, 0, -120)})
	sink.Record(ctx, AuditEvent{Action: ActionLogin, UserID: &uid})
	sink.Record(ctx, AuditEvent{Level: "warning", Action: ActionTokenReuse})

	all, err := svc.List(ctx, &SystemLogListRequest{})
	require.NoError(t, err)
	require.EqualValues(t, 3, all.Total)
	require.Equal(t, 1, all.Page)
	require.Equal(t, 20, all.PageSize)

	warnings, err := svc.List(ctx, &SystemLogListRequest{Level: "warning"})
	require.NoError(t, err)
	require.EqualValues(t, 1, warnings.Total)
	require.Equal(t, ActionTokenReuse, warnings.Items[0].Action)

	byUser, err := svc.List(ctx, &SystemLogListRequest{UserID: uid, PageSize: 1})
	require.NoError(t, err)
	require.EqualValues(t, 2, byUser.Total)
	require.Len(t, byUser.Items, 1)

	deleted, err := svc.CleanupOldLogs(ctx, AuditLogRetentionDays)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	deleted, err = svc.CleanupOldLogs(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, deleted)
}
