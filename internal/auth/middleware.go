package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

const (
	// ResultKey is the context key for auth result
	ResultKey ContextKey = "auth_result"
)

// Middleware guards gin routes with the configured credentials.
type Middleware struct {
	svc *Service
}

// NewMiddleware returns nil when cfg is disabled.
func NewMiddleware(cfg Config) (*Middleware, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	svc, err := NewService(cfg)
	if err != nil {
		return nil, err
	}
	return &Middleware{svc: svc}, nil
}

// GinAuth authenticates the request and stores the Result in the context.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := m.authenticate(c.Request)
		if err != nil || !result.Success {
			// Basic lets a browser prompt for the dashboard.
			c.Writer.Header().Add("WWW-Authenticate", `Bearer realm="patchgate"`)
			c.Writer.Header().Add("WWW-Authenticate", `Basic realm="patchgate"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Set(string(ResultKey), result)
		c.Next()
	}
}

// GinRequireRole rejects callers whose role does not allow required. It
// must run after GinAuth.
func (m *Middleware) GinRequireRole(required Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, _ := c.Get(string(ResultKey))
		result, ok := v.(*Result)
		if !ok || !result.Success {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Authentication required",
			})
			return
		}
		if !result.Role.Allows(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

// authenticate accepts "Authorization: Bearer <token>" or basic auth with
// the credential name as user and the token as password.
func (m *Middleware) authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.svc.Authenticate("", strings.TrimSpace(parts[1]))
		}
	}
	if user, pass, ok := r.BasicAuth(); ok {
		return m.svc.Authenticate(user, pass)
	}
	return &Result{Success: false}, ErrInvalidCredentials
}
