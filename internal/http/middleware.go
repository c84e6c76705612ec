package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mrlokans/circulation/internal/actor"
)

// Headers set by the authenticating proxy in front of the API.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderSessionID = "X-Session-ID"
)

// RequestContextMiddleware attaches the acting user and request metadata to
// the request context. A missing or malformed actor header leaves the
// request anonymous.
func RequestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if raw := c.GetHeader(HeaderActorID); raw != "" {
			if id, err := strconv.ParseUint(raw, 10, 32); err == nil {
				ctx = actor.WithID(ctx, uint(id))
			}
		}
		ctx = actor.WithRequest(ctx, actor.Request{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			SessionID: c.GetHeader(HeaderSessionID),
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ReadOnlyMiddleware rejects write requests while enabled. Reads, HEAD and
// OPTIONS always pass.
func ReadOnlyMiddleware(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		c.Header("Retry-After", "300")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "the service is in read-only mode",
			Code:  CodeReadOnly,
		})
	}
}

// defaultHSTSMaxAge is one year in seconds.
const defaultHSTSMaxAge = 31536000

// SecurityHeadersMiddleware adds security headers to all responses. The API
// serves JSON only, so the content policy forbids every resource type.
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// StrictTransportSecurityMiddleware adds the HSTS header to requests that
// arrived over HTTPS, directly or through a proxy.
func StrictTransportSecurityMiddleware(maxAge int) gin.HandlerFunc {
	value := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains"
	return func(c *gin.Context) {
		if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
			c.Header("Strict-Transport-Security", value)
		}
		c.Next()
	}
}

// CORSMiddleware lets browser clients on origins call the API with the
// actor headers.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", HeaderActorID, HeaderSessionID},
		ExposeHeaders: []string{"Content-Length", "Retry-After"},
		MaxAge:        12 * time.Hour,
	})
}
