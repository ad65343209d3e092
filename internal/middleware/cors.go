package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/OpenNSW/formflow/internal/config"
)

// CORS builds the cross-origin middleware from the CORS configuration.
// A "*" origin allows every origin.
func CORS(cfg *config.CORSConfig) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:     cfg.AllowedMethods,
		AllowHeaders:     cfg.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length", "Location", "Retry-After"},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           time.Duration(cfg.MaxAge) * time.Second,
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	wildcard := false
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = struct{}{}
	}
	corsConfig.AllowOriginFunc = func(origin string) bool {
		if wildcard {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}

	return cors.New(corsConfig)
}
