package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/OpenNSW/formflow/internal/response"
)

// ContextKeyCreatorID is the gin context key holding the authenticated creator.
const ContextKeyCreatorID = "creator_id"

// RequireCreator rejects requests without a valid creator bearer token with
// 401 and stores the creator ID on the context otherwise.
func RequireCreator(tokens *TokenService, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			response.Unauthorized(c)
			return
		}

		claims, err := tokens.Parse(raw)
		if err != nil {
			logger.Warn("rejected creator token",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			response.Unauthorized(c)
			return
		}

		c.Set(ContextKeyCreatorID, claims.CreatorID)
		c.Next()
	}
}

// CreatorID returns the creator set by RequireCreator, or "" when the route is
// not protected.
func CreatorID(c *gin.Context) string {
	return c.GetString(ContextKeyCreatorID)
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
