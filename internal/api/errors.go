package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xaenox/mentor-bot/internal/apperr"
)

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindUpstream:
		return http.StatusBadGateway
	case apperr.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the error envelope. Unclassified causes are logged
// and replaced by a generic message.
func abortWithError(c *gin.Context, logger *zap.Logger, err error) {
	kind := apperr.KindOf(err)
	msg := apperr.PublicMessage(err)
	if kind == apperr.KindInternal && errors.Is(err, context.DeadlineExceeded) {
		kind, msg = apperr.KindUpstreamTimeout, "request timed out"
	}
	status := statusFor(kind)

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}

	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": string(kind)})
}
