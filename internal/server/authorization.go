package server

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
)

// authorizeAction gates a route on the casbin policy for the caller's role.
func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := identityFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		subject := fmt.Sprintf("user:%s", identity.UserID)
		if err := s.authzSvc.Authorize(c.Request.Context(), subject, identity.Role, strings.TrimSpace(object), strings.TrimSpace(action)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
