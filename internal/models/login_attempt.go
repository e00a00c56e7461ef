package models

import "time"

// LoginAttempt is an append-only audit row written on every login call.
type LoginAttempt struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        *uint     `gorm:"index" json:"user_id,omitempty"`
	Email         string    `gorm:"index;size:255;not null" json:"email"`
	IPAddress     string    `gorm:"index;size:64" json:"ip_address"`
	Success       bool      `json:"success"`
	UserAgent     string    `gorm:"size:255" json:"user_agent,omitempty"`
	FailureReason string    `gorm:"size:64" json:"failure_reason,omitempty"`
	AttemptedAt   time.Time `gorm:"index;not null" json:"attempted_at"`
}

func (LoginAttempt) TableName() string { return "login_attempts" }
