package models

import "time"

// Reasons recorded in RefreshToken.RevokedReason.
const (
	RevokeReasonRotated            = "rotated"
	RevokeReasonLogout             = "logout"
	RevokeReasonPasswordChange     = "password_change"
	RevokeReasonRevokeAll          = "revoke_all"
	RevokeReasonFamilyRevoked      = "family_revoked"
	RevokeReasonReuseDetected      = "reuse_detected"
	RevokeReasonAccountDeactivated = "account_deactivated"
)

// RefreshToken stores only the SHA-256 of the raw token. All tokens minted
// from one login share a FamilyID.
type RefreshToken struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        uint       `gorm:"index;not null" json:"user_id"`
	TokenHash     string     `gorm:"uniqueIndex;size:64;not null" json:"-"`
	FamilyID      string     `gorm:"index;size:36;not null" json:"family_id"`
	ParentTokenID *uint      `gorm:"index" json:"parent_token_id,omitempty"`
	ExpiresAt     time.Time  `gorm:"index;not null" json:"expires_at"`
	RevokedAt     *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	RevokedReason string     `gorm:"size:32" json:"revoked_reason,omitempty"`
	IPAddress     string     `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent     string     `gorm:"size:255" json:"user_agent,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (RefreshToken) TableName() string { return "refresh_tokens" }

func (t *RefreshToken) IsRevoked() bool { return t.RevokedAt != nil }

func (t *RefreshToken) IsExpired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// IsValid reports whether the token can still be used for rotation.
func (t *RefreshToken) IsValid(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}
