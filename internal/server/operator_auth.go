package server

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/LaneJS/aiaca/internal/auditcontext"
)

const operatorIDHeader = "X-Operator-Id"

// RequireOperator resolves the acting operator from the request and stores
// it on the context for authorization and audit. Identity verification
// happens upstream at the gateway; the header carries the verified subject.
func (s *Server) RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID := strings.TrimSpace(c.GetHeader(operatorIDHeader))
		if operatorID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := auditcontext.WithActor(c.Request.Context(), "operator", operatorID)
		c.Request = c.Request.WithContext(ctx)
		c.Set("actor", "operator:"+operatorID)
		c.Next()
	}
}

func (s *Server) authorize(c *gin.Context, object, action string) error {
	if s.authzSvc == nil {
		return ErrForbidden
	}
	actor := c.GetString("actor")
	if actor == "" {
		return ErrUnauthorized
	}
	return s.authzSvc.Authorize(c.Request.Context(), actor, object, action)
}
