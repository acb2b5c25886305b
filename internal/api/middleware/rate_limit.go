package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"stream-service/internal/database"
)

// RateLimitMiddleware throttles HTTP-level traffic (connection attempts,
// metric polling) per client IP. Message-level rate limiting lives inside
// the WebSocket engine.
type RateLimitMiddleware struct {
	redis *database.RedisClient
}

func NewRateLimitMiddleware(redis *database.RedisClient) *RateLimitMiddleware {
	return &RateLimitMiddleware{redis: redis}
}

// RateLimitIP limits requests per IP for the decorated route.
func (rm *RateLimitMiddleware) RateLimitIP(requests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		endpoint := c.Request.URL.Path
		key := fmt.Sprintf("rate_limit_ip:%s:%s", clientIP, endpoint)

		allowed, err := rm.redis.CheckRateLimit(c.Request.Context(), key, requests, window)
		if err != nil {
			// Limiter backend being down should not take the API with it.
			c.Next()
			return
		}

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": fmt.Sprintf("Too many requests. Limit: %d per %v", requests, window),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
