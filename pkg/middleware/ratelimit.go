package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"remittance_back/pkg/apperr"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Limiter is implemented by cache.RedisRateLimiter.
type Limiter interface {
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimit counts requests per requester, or per client IP for anonymous calls.
// A limiter failure lets the request through.
func RateLimit(l Limiter, scope string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || limit <= 0 {
			c.Next()
			return
		}
		subject := "ip:" + c.ClientIP()
		if r, ok := GetRequester(c); ok {
			subject = "user:" + r.ID
		}

		count, retryAfter, err := l.Consume(c.Request.Context(), scope, subject, limit, window)
		if err != nil {
			logrus.WithField("scope", scope).Warnf("rate limiter unavailable: %s", err)
			c.Next()
			return
		}
		if count > limit {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			abort(c, http.StatusTooManyRequests, apperr.CodeRateLimited, "too many requests, retry later")
			return
		}
		c.Next()
	}
}
