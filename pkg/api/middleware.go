package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pragnya-works/edward/pkg/config"
)

const (
	requestIDHeader = "X-Request-Id"
	requestIDKey    = "request_id"
)

// requestID honors an inbound X-Request-Id and mints one otherwise. The
// ID is echoed on the response and attached to error bodies and logs.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// cors allows the single configured frontend origin. An empty origin
// disables CORS headers entirely.
func cors(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, X-Request-Id")
			c.Header("Access-Control-Max-Age", "600")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

// trustedProxies translates the TRUST_PROXY setting into gin's CIDR
// allow-list. gin has no hop-count mode, so a hop count degrades to
// trusting every upstream hop.
func trustedProxies(tp config.TrustProxy) []string {
	switch tp.Mode {
	case config.TrustProxyNone:
		return []string{}
	case config.TrustProxyAll, config.TrustProxyHops:
		return []string{"0.0.0.0/0", "::/0"}
	case config.TrustProxyCIDRs:
		return tp.CIDRs
	default:
		return []string{"127.0.0.0/8", "::1/128"}
	}
}
