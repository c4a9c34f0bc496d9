package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"docforge/internal/logging"
)

const slogLoggerKey = "slogLogger"

// SlogLoggerMiddleware 为每个请求派生带 correlation_id、路由与实体 id 的 logger，
// 并在请求结束时按状态码选择日志级别（5xx 为 error，4xx 为 warn）。
func SlogLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		requestLogger := logging.FromContext(c.Request.Context(), logger).With(
			slog.String("method", c.Request.Method),
			slog.String("route", route),
		)
		if entity := c.Param("entityId"); entity != "" {
			requestLogger = requestLogger.With(slog.String("entity_id", entity))
		}
		c.Set(slogLoggerKey, requestLogger)

		start := time.Now()
		c.Next()

		if route == "/health" || route == "/metrics" {
			return
		}
		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.Int("bytes", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		requestLogger.LogAttrs(c.Request.Context(), level, "request completed", attrs...)
	}
}

// LoggerFromContext 返回当前请求的 logger；中间件未运行时退回 slog.Default()。
func LoggerFromContext(c *gin.Context) *slog.Logger {
	if value, ok := c.Get(slogLoggerKey); ok {
		if logger, ok := value.(*slog.Logger); ok {
			return logger
		}
	}
	return slog.Default()
}
