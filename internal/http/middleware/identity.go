// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller's identity once per request. Authentication
// is handled outside this service; the chat owner is taken from an upstream
// value in the Gin context, then from the X-User-ID header, and finally
// falls back to a demo user so local setups work without any headers.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// UserIDKey is the Gin context key holding the resolved owner id.
	UserIDKey = "userID"
	// HeaderUserID carries the owner id from a trusted upstream proxy.
	HeaderUserID = "X-User-ID"
	// DemoUser owns every request that carries no identity.
	DemoUser = "demo-user"

	maxUserIDLen = 64
)

// Identity stores the caller's id under UserIDKey. A value already placed
// there by an earlier middleware wins over the header.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(UserIDKey, UserID(c))
		c.Next()
	}
}

// UserID returns the caller's id using the same precedence as Identity.
// Ids longer than the owner column are cut to fit.
func UserID(c *gin.Context) string {
	if c == nil {
		return DemoUser
	}
	if v, ok := c.Get(UserIDKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader(HeaderUserID)); h != "" {
			if len(h) > maxUserIDLen {
				h = h[:maxUserIDLen]
			}
			return h
		}
	}
	return DemoUser
}
