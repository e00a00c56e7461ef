package services

import (
	"errors"
	"strconv"
	"strings"

	"github.com/huangang/authcore/internal/models"
	"github.com/huangang/authcore/internal/utils"
	"gorm.io/gorm"
)

const (
	ConfigKeyAccessTokenTTL   = "auth_access_token_ttl"
	ConfigKeyRefreshTokenDays = "auth_refresh_token_days"
)

// SystemConfigService reads and writes runtime overrides. An empty value
// means the file/env configuration applies.
type SystemConfigService struct {
	db *gorm.DB
}

func NewSystemConfigService(db *gorm.DB) *SystemConfigService {
	return &SystemConfigService{db: db}
}

func (s *SystemConfigService) Get(key string) (string, error) {
	var cfg models.SystemConfig
	if err := s.db.Where(&models.SystemConfig{Key: key}).First(&cfg).Error; err != nil {
		return "", err
	}
	return cfg.Value, nil
}

// GetWithDefault returns defaultValue when the key is missing or empty.
func (s *SystemConfigService) GetWithDefault(key, defaultValue string) string {
	value, err := s.Get(key)
	if err != nil || value == "" {
		return defaultValue
	}
	return value
}

func (s *SystemConfigService) Set(key, value string) error {
	var cfg models.SystemConfig
	err := s.db.Where(&models.SystemConfig{Key: key}).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cfg = models.SystemConfig{
			Key:   key,
			Value: value,
		}
		return s.db.Create(&cfg).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&cfg).Update("value", value).Error
}

func (s *SystemConfigService) GetByGroup(group string) ([]models.SystemConfig, error) {
	var configs []models.SystemConfig
	if err := s.db.Where(&models.SystemConfig{Group: group}).Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}

type AuthSettingsResponse struct {
	AccessTokenTTL   string `json:"access_token_ttl"`
	RefreshTokenDays int    `json:"refresh_token_days"`
}

// GetAuthSettings returns the effective token lifetimes.
func (s *SystemConfigService) GetAuthSettings(defaultTTL string, defaultDays int) *AuthSettingsResponse {
	days, err := strconv.Atoi(s.GetWithDefault(ConfigKeyRefreshTokenDays, ""))
	if err != nil || days <= 0 {
		days = defaultDays
	}
	return &AuthSettingsResponse{
		AccessTokenTTL:   s.GetWithDefault(ConfigKeyAccessTokenTTL, defaultTTL),
		RefreshTokenDays: days,
	}
}

type UpdateAuthSettingsRequest struct {
	AccessTokenTTL   *string `json:"access_token_ttl"`
	RefreshTokenDays *int    `json:"refresh_token_days"`
}

var ErrInvalidSetting = errors.New("invalid setting value")

func (s *SystemConfigService) UpdateAuthSettings(req *UpdateAuthSettingsRequest) error {
	if req.AccessTokenTTL != nil {
		ttl := strings.TrimSpace(*req.AccessTokenTTL)
		// Empty clears the override. Anything else must parse and fit the cap.
		if ttl != "" && (!validTTL(ttl) || utils.ParseTTL(ttl) > utils.MaxAccessTTL) {
			return ErrInvalidSetting
		}
		if err := s.Set(ConfigKeyAccessTokenTTL, ttl); err != nil {
			return err
		}
	}
	if req.RefreshTokenDays != nil {
		if *req.RefreshTokenDays < 0 || *req.RefreshTokenDays > 365 {
			return ErrInvalidSetting
		}
		value := ""
		if *req.RefreshTokenDays > 0 {
			value = strconv.Itoa(*req.RefreshTokenDays)
		}
		if err := s.Set(ConfigKeyRefreshTokenDays, value); err != nil {
			return err
		}
	}
	return nil
}

// validTTL reports whether value matches <number><s|m|h|d> exactly.
func validTTL(value string) bool {
	value = strings.ToLower(value)
	if len(value) < 2 || !strings.ContainsRune("smhd", rune(value[len(value)-1])) {
		return false
	}
	n, err := strconv.Atoi(value[:len(value)-1])
	return err == nil && n > 0
}
