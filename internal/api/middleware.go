package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/mentor-bot/internal/apperr"
	"github.com/xaenox/mentor-bot/internal/identity"
	"github.com/xaenox/mentor-bot/internal/ratelimit"
)

const (
	principalKey = "principal"
	requestIDKey = "request_id"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(requestIDKey)),
		}
		if p, ok := principalFrom(c); ok {
			fields = append(fields, zap.String("user_id", p.UserID))
		}
		logger.Info("HTTP request", fields...)
	}
}

func cors(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type authorizeFunc func(ctx context.Context, header string) (*identity.Principal, error)

// authenticate verifies the bearer credential and stores the principal on
// the request context.
func (s *Server) authenticate() gin.HandlerFunc {
	return s.requirePrincipal(s.svc.Authenticate)
}

// authenticatePremium is authenticate plus the premium role.
func (s *Server) authenticatePremium() gin.HandlerFunc {
	return s.requirePrincipal(s.svc.AuthenticatePremium)
}

func (s *Server) requirePrincipal(authorize authorizeFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := authorize(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			abortWithError(c, s.logger, err)
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func principalFrom(c *gin.Context) (*identity.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*identity.Principal)
	return p, ok
}

// rateLimit keys on the authenticated user when known, else on the
// client address. Limiter failures let the request through.
func (s *Server) rateLimit(bucket string, limit ratelimit.Limit) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if p, ok := principalFrom(c); ok {
			key = "user:" + p.UserID
		}

		ok, err := s.limiter.Allow(c.Request.Context(), bucket+":"+key, limit)
		if err != nil {
			s.logger.Warn("Rate limiter unavailable", zap.String("bucket", bucket), zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			abortWithError(c, s.logger, apperr.RateLimited("too many requests, try again in a minute"))
			return
		}
		c.Next()
	}
}
