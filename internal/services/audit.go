package services

import (
	"context"
	"time"
)

// Audit actions.
const (
	ActionRegister       = "REGISTER"
	ActionRegisterFailed = "REGISTER_FAILED"
	ActionLogin          = "LOGIN"
	ActionLoginFailed    = "LOGIN_FAILED"
	ActionLogout         = "LOGOUT"
	ActionPasswordChange = "PASSWORD_CHANGE"
	ActionTokenReuse     = "TOKEN_REUSE_DETECTED"
	ActionRevokeAll      = "REVOKE_ALL_SESSIONS"
)

const auditModule = "auth"

// AuditEvent is one auth-relevant action.
type AuditEvent struct {
	Level     string                 `json:"level"` // info, warning, error
	Action    string                 `json:"action"`
	Message   string                 `json:"message"`
	UserID    *uint                  `json:"user_id,omitempty"`
	IP        string                 `json:"ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
	At        time.Time              `json:"at"`
}

// AuditSink receives audit events. Record must not block the caller on
// failure; sinks log their own errors.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// NopAuditSink discards events.
type NopAuditSink struct{}

func (NopAuditSink) Record(context.Context, AuditEvent) {}

// RequestMeta carries caller details through to tokens and audit rows.
type RequestMeta struct {
	IP        string
	UserAgent string
}

func uintPtr(v uint) *uint { return &v }
