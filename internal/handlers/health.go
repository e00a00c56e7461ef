package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler reports subsystem status.
type HealthHandler struct {
	db        *gorm.DB
	queueMode string
}

// NewHealthHandler takes the audit delivery mode, "direct" or "queued".
func NewHealthHandler(db *gorm.DB, queueMode string) *HealthHandler {
	return &HealthHandler{db: db, queueMode: queueMode}
}

// CheckHealth returns the health status of all subsystems.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	status := http.StatusOK

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":  overall,
		"service": "authcore",
		"components": gin.H{
			"database":   dbStatus,
			"audit_mode": h.queueMode,
		},
	})
}
