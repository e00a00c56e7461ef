package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/huangang/authcore/internal/config"
	"github.com/huangang/authcore/internal/services"
	"github.com/huangang/authcore/pkg/response"
)

// AdminHandler serves the audit trail and runtime auth settings.
type AdminHandler struct {
	logs     *services.SystemLogService
	settings *services.SystemConfigService
	jwtCfg   config.JWTConfig
}

func NewAdminHandler(logs *services.SystemLogService, settings *services.SystemConfigService, jwtCfg config.JWTConfig) *AdminHandler {
	return &AdminHandler{
		logs:     logs,
		settings: settings,
		jwtCfg:   jwtCfg,
	}
}

// ListAuditLogs
// GET /api/admin/audit-logs
func (h *AdminHandler) ListAuditLogs(c *gin.Context) {
	var req services.SystemLogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.logs.List(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, resp)
}

// GetAuthSettings returns the effective token lifetimes.
// GET /api/admin/auth-settings
func (h *AdminHandler) GetAuthSettings(c *gin.Context) {
	response.Success(c, h.settings.GetAuthSettings(h.jwtCfg.AccessExpiresIn, h.jwtCfg.RefreshExpiresInDays))
}

// UpdateAuthSettings overrides token lifetimes at runtime.
// PUT /api/admin/auth-settings
func (h *AdminHandler) UpdateAuthSettings(c *gin.Context) {
	var req services.UpdateAuthSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.settings.UpdateAuthSettings(&req); err != nil {
		if errors.Is(err, services.ErrInvalidSetting) {
			response.BadRequest(c, err.Error())
			return
		}
		writeError(c, err)
		return
	}
	response.Success(c, h.settings.GetAuthSettings(h.jwtCfg.AccessExpiresIn, h.jwtCfg.RefreshExpiresInDays))
}
