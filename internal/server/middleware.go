package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitle/internal/auth"
	obscontext "github.com/smallbiznis/entitle/internal/observability/context"
)

const (
	contextUserIDKey   = "user_id"
	contextIdentityKey = "identity"
)

// AuthRequired authenticates the bearer token and stores the caller identity.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		identity, err := s.tokens.ValidateToken(strings.TrimSpace(token))
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextUserIDKey, identity.UserID)
		c.Set(contextIdentityKey, identity)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), identity.Role, identity.UserID))
		c.Next()
	}
}

func identityFromContext(c *gin.Context) (*auth.Identity, bool) {
	value, ok := c.Get(contextIdentityKey)
	if !ok {
		return nil, false
	}
	identity, ok := value.(*auth.Identity)
	if !ok || identity == nil || identity.UserID == "" {
		return nil, false
	}
	return identity, true
}
