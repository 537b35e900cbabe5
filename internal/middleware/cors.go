package middleware

import (
	"net/http"
	"strings"

	"postflow/internal/config"

	"github.com/gin-gonic/gin"
)

// CORS 按配置设置跨域响应头; OPTIONS 预检直接返回 204
func CORS(cors config.CORSConfig) gin.HandlerFunc {
	allowedHeaders := "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With"
	if len(cors.AllowedHeaders) > 0 {
		allowedHeaders = strings.Join(cors.AllowedHeaders, ", ")
	}
	allowedMethods := "POST, OPTIONS, GET, PUT, DELETE"
	if len(cors.AllowedMethods) > 0 {
		allowedMethods = strings.Join(cors.AllowedMethods, ", ")
	}
	return func(c *gin.Context) {
		if cors.Enabled {
			if origin := allowedOrigin(cors.AllowedOrigins, c.GetHeader("Origin")); origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Headers", allowedHeaders)
				c.Header("Access-Control-Allow-Methods", allowedMethods)
				if origin != "*" {
					c.Header("Vary", "Origin")
				}
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// allowedOrigin echoes origin when it is listed; an empty list or "*" allows any.
func allowedOrigin(allowed []string, origin string) string {
	if len(allowed) == 0 {
		return "*"
	}
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}
