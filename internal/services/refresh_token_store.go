package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/huangang/authcore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	refreshTokenBytes = 32
	// CleanupGracePeriod is how long expired records are kept before deletion.
	CleanupGracePeriod = 7 * 24 * time.Hour
	DefaultRefreshDays = 30
)

// RefreshTokenStore persists refresh tokens. Only SHA-256 hashes are stored.
type RefreshTokenStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRefreshTokenStore(db *gorm.DB) *RefreshTokenStore {
	return &RefreshTokenStore{db: db, now: time.Now}
}

// WithClock replaces the time source, used by tests.
func (s *RefreshTokenStore) WithClock(now func() time.Time) *RefreshTokenStore {
	s.now = now
	return s
}

// IssueRefreshToken describes a token to mint. An empty FamilyID starts a new family.
type IssueRefreshToken struct {
	UserID        uint
	FamilyID      string
	TTLDays       int
	ParentTokenID *uint
	IPAddress     string
	UserAgent     string
}

// HashRefreshToken returns the hex SHA-256 of a raw token.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateRefreshToken() (raw, hash string, err error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err = rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	raw = hex.EncodeToString(buf)
	return raw, HashRefreshToken(raw), nil
}

// Create stores a new token and returns the raw value. The raw value is not
// recoverable afterwards.
func (s *RefreshTokenStore) Create(ctx context.Context, p IssueRefreshToken) (string, *models.RefreshToken, error) {
	raw, hash, err := generateRefreshToken()
	if err != nil {
		return "", nil, err
	}

	familyID := p.FamilyID
	if familyID == "" {
		familyID = uuid.NewString()
	}
	days := p.TTLDays
	if days <= 0 {
		days = DefaultRefreshDays
	}

	record := &models.RefreshToken{
		UserID:        p.UserID,
		TokenHash:     hash,
		FamilyID:      familyID,
		ParentTokenID: p.ParentTokenID,
		ExpiresAt:     s.now().UTC().Add(time.Duration(days) * 24 * time.Hour),
		IPAddress:     truncate(p.IPAddress, 64),
		UserAgent:     truncate(p.UserAgent, 255),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return "", nil, fmt.Errorf("create refresh token: %w", err)
	}
	return raw, record, nil
}

// FindValidByHash returns the record only if it is neither revoked nor expired.
func (s *RefreshTokenStore) FindValidByHash(ctx context.Context, hash string) (*models.RefreshToken, error) {
	var record models.RefreshToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ? AND revoked_at IS NULL AND expires_at > ?", hash, s.now().UTC()).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &record, nil
}

// FindByHash returns the record in any state.
func (s *RefreshTokenStore) FindByHash(ctx context.Context, hash string) (*models.RefreshToken, error) {
	var record models.RefreshToken
	err := s.db.WithContext(ctx).Where("token_hash = ?", hash).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &record, nil
}

// FindAndRevokeValidToken locks the matching valid row and marks it rotated in
// one transaction. Of any number of concurrent callers presenting the same
// token, exactly one gets the record; the rest get nil.
func (s *RefreshTokenStore) FindAndRevokeValidToken(ctx context.Context, hash string) (*models.RefreshToken, error) {
	var found *models.RefreshToken
	now := s.now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("token_hash = ? AND revoked_at IS NULL AND expires_at > ?", hash, now)
		// SQLite serializes writers itself and rejects FOR UPDATE.
		if tx.Dialector.Name() != "sqlite" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var record models.RefreshToken
		if err := query.First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		result := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND revoked_at IS NULL", record.ID).
			Updates(map[string]interface{}{
				"revoked_at":     now,
				"revoked_reason": models.RevokeReasonRotated,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return nil
		}

		record.RevokedAt = &now
		record.RevokedReason = models.RevokeReasonRotated
		found = &record
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find and revoke refresh token: %w", err)
	}
	return found, nil
}

// Revoke marks one token revoked. Revoking a revoked token is a no-op.
func (s *RefreshTokenStore) Revoke(ctx context.Context, id uint, reason string) error {
	_, err := s.revokeWhere(ctx, reason, "id = ?", id)
	return err
}

// RevokeAllForUser revokes every live token of the user.
func (s *RefreshTokenStore) RevokeAllForUser(ctx context.Context, userID uint, reason string) (int64, error) {
	return s.revokeWhere(ctx, reason, "user_id = ?", userID)
}

// RevokeFamily revokes every live token descended from the same login.
func (s *RefreshTokenStore) RevokeFamily(ctx context.Context, familyID, reason string) (int64, error) {
	return s.revokeWhere(ctx, reason, "family_id = ?", familyID)
}

func (s *RefreshTokenStore) revokeWhere(ctx context.Context, reason, cond string, arg interface{}) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where(cond, arg).
		Where("revoked_at IS NULL").
		Updates(map[string]interface{}{
			"revoked_at":     s.now().UTC(),
			"revoked_reason": reason,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CleanupExpired deletes records that expired more than CleanupGracePeriod ago.
func (s *RefreshTokenStore) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-CleanupGracePeriod)
	result := s.db.WithContext(ctx).Where("expires_at < ?", cutoff).Delete(&models.RefreshToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup refresh tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountActiveInFamily counts live tokens in a family. More than one means a
// rotation race slipped through.
func (s *RefreshTokenStore) CountActiveInFamily(ctx context.Context, familyID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("family_id = ? AND revoked_at IS NULL AND expires_at > ?", familyID, s.now().UTC()).
		Count(&count).Error
	return count, err
}

// ListActiveForUser returns the user's live sessions, newest first.
func (s *RefreshTokenStore) ListActiveForUser(ctx context.Context, userID uint) ([]models.RefreshToken, error) {
	var records []models.RefreshToken
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, s.now().UTC()).
		Order("created_at DESC").
		Find(&records).Error
	return records, err
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
