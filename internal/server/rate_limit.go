package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/escrow/internal/observability/logger"
	"go.uber.org/zap"
)

// ActionRateLimit throttles state-changing requests per actor. Limiter
// failures let the request through.
func (s *Server) ActionRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		actor, ok := actorFromGin(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		result, err := s.limiter.Allow(c.Request.Context(), actor.ID)
		if err != nil {
			logger.FromContext(c.Request.Context()).Warn("action rate limit check failed",
				zap.String("actor_id", actor.ID),
				zap.Error(err),
			)
			c.Next()
			return
		}
		if result == nil {
			c.Next()
			return
		}

		if result.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.ResetTime.IsZero() {
				c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
			}
		}

		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}
