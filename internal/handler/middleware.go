package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const apiKeyHeader = "X-API-Key"

// APIKeyAuth enforces the X-API-Key header. An empty key disables the check.
func APIKeyAuth(key string, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		provided := strings.TrimSpace(c.GetHeader(apiKeyHeader))
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-API-Key header"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			log.WithField("path", c.FullPath()).WithField("client_ip", c.ClientIP()).Warn("rejected admin request")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid API key"})
			return
		}
		c.Next()
	}
}

// BlockAdminScans rejects requests for common CMS admin paths before they
// reach routing.
func BlockAdminScans(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/wp-admin") {
			log.WithField("path", c.Request.URL.Path).WithField("client_ip", c.ClientIP()).Warn("blocked suspicious request")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
		c.Next()
	}
}
