package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/authcore/internal/services"
)

const maxAuditBody = 2000

var sensitiveKeys = []string{"password", "old_password", "new_password", "refresh_token", "access_token", "token", "secret"}

// AdminAudit records admin write operations to the audit sink.
func AdminAudit(sink services.AuditSink) gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			c.Next()
			return
		}

		var bodySnippet string
		if c.Request.Body != nil {
			bodyBytes, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			bodySnippet = maskSensitiveFields(string(bodyBytes))
			if len(bodySnippet) > maxAuditBody {
				bodySnippet = bodySnippet[:maxAuditBody] + "...[truncated]"
			}
		}

		c.Next()

		status := c.Writer.Status()
		level := "info"
		if status >= 400 {
			level = "warning"
		}

		var uid *uint
		if userID := GetUserID(c); userID > 0 {
			uid = &userID
		}

		sink.Record(c.Request.Context(), services.AuditEvent{
			Level:     level,
			Action:    adminAction(c.FullPath(), method),
			Message:   GetEmail(c) + " " + method + " " + c.Request.URL.Path,
			UserID:    uid,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			Extra: map[string]interface{}{
				"path":   c.Request.URL.Path,
				"status": status,
				"body":   bodySnippet,
			},
			At: time.Now(),
		})
	}
}

// adminAction names a route, e.g. "/api/admin/users/:id/revoke-sessions" +
// POST gives "ADMIN_POST_USERS_REVOKE_SESSIONS".
func adminAction(fullPath, method string) string {
	path := strings.TrimPrefix(fullPath, "/api/admin/")
	var parts []string
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || strings.HasPrefix(seg, ":") {
			continue
		}
		parts = append(parts, strings.ToUpper(strings.ReplaceAll(seg, "-", "_")))
	}
	if len(parts) == 0 {
		parts = []string{"UNKNOWN"}
	}
	return "ADMIN_" + method + "_" + strings.Join(parts, "_")
}

// maskSensitiveFields replaces the string values of sensitive JSON keys.
func maskSensitiveFields(body string) string {
	for _, key := range sensitiveKeys {
		body = maskJSONValue(body, key)
	}
	return body
}

// maskJSONValue masks every "key": "value" occurrence, best effort.
func maskJSONValue(body, key string) string {
	needle := "\"" + key + "\""
	searchFrom := 0
	for {
		lower := strings.ToLower(body)
		rel := strings.Index(lower[searchFrom:], needle)
		if rel == -1 {
			return body
		}
		idx := searchFrom + rel
		after := idx + len(needle)

		colonIdx := strings.Index(body[after:], ":")
		if colonIdx == -1 {
			return body
		}
		valueStart := after + colonIdx + 1
		for valueStart < len(body) && (body[valueStart] == ' ' || body[valueStart] == '\t') {
			valueStart++
		}
		if valueStart >= len(body) || body[valueStart] != '"' {
			searchFrom = after
			continue
		}

		endQuote := strings.Index(body[valueStart+1:], "\"")
		if endQuote == -1 {
			return body
		}
		body = body[:valueStart+1] + "***" + body[valueStart+1+endQuote:]
		searchFrom = valueStart + 4
	}
}
