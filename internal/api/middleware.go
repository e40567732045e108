package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cloak/internal/metrics"
	logger "github.com/Gopher0727/Cloak/middleware/log"
	"github.com/Gopher0727/Cloak/utils/ratelimit"
)

// TraceHeader 请求与响应中携带 trace id 的头
const TraceHeader = "X-Trace-ID"

type MiddlewareManager struct {
	rateLimiter *ratelimit.Limiter
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewMiddlewareManager limiter may be nil, in which case RateLimit lets
// everything through.
func NewMiddlewareManager(limiter *ratelimit.Limiter, log *zap.Logger, m *metrics.Metrics) *MiddlewareManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &MiddlewareManager{
		rateLimiter: limiter,
		logger:      log,
		metrics:     m,
	}
}

// Trace attaches a trace id to the request context, reusing the caller's one
// when present.
func (m *MiddlewareManager) Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceHeader)
		ctx := logger.WithTraceID(c.Request.Context(), traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(TraceHeader, logger.GetTraceID(ctx))
		c.Next()
	}
}

// RateLimit 按客户端 IP 限流
func (m *MiddlewareManager) RateLimit(rule ratelimit.Rule) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.rateLimiter == nil || rule.Disabled() {
			c.Next()
			return
		}

		key := "ip:" + c.ClientIP()
		d, err := m.rateLimiter.Allow(c.Request.Context(), key, rule)
		if err != nil {
			logger.FromContext(c.Request.Context(), m.logger).Error("rate limit check failed",
				zap.String("rule", rule.Name),
				zap.String("key", key),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "rate limit check failed",
			})
			return
		}

		if !d.Degraded {
			c.Header("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		}
		if !d.Allowed {
			retry := max(int(d.RetryAfter.Round(time.Second)/time.Second), 1)
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retry,
				"remaining":   d.Remaining,
			})
			return
		}

		c.Next()
	}
}

// MaxConcurrency 限制同时处理的请求数，超出时直接返回 503；n <= 0 不限制
func (m *MiddlewareManager) MaxConcurrency(n int) gin.HandlerFunc {
	if n <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	sem := make(chan struct{}, n)

	return func(c *gin.Context) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "too many concurrent requests",
			})
		}
	}
}

func (m *MiddlewareManager) Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.metrics.HTTPRequest(c.Request.Method, route, strconv.Itoa(statusCode), latency)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			fields = append(fields, zap.String("errors", errs.String()))
		}

		log := logger.FromContext(c.Request.Context(), m.logger)
		switch {
		case statusCode >= 500:
			log.Error("server error", fields...)
		case statusCode >= 400:
			log.Warn("client error", fields...)
		default:
			log.Info("request completed", fields...)
		}
	}
}

func (m *MiddlewareManager) Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.FromContext(c.Request.Context(), m.logger).Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
