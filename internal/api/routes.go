package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"docforge/internal/storage"
)

// Deps 汇总 API 路由需要的依赖。Redis 为 nil 时不提供进度 WebSocket，也不做提交限流；
// Scanner 为 nil 时跳过底图病毒扫描。
type Deps struct {
	DB              *gorm.DB
	Blobs           storage.Blobs
	Generator       DocumentGenerator
	Bulk            BulkService
	Redis           *redis.Client
	Scanner         Scanner
	Logger          *slog.Logger
	MaxUploadBytes  int64
	SubmitPerMinute int
	AllowedOrigins  []string
}

// RegisterRoutes 注册 /v1 下的 API 路由。租户实体以路径参数 entityId 传入，鉴权不在本服务范围内。
func RegisterRoutes(router *gin.Engine, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	templateHandler := NewTemplateHandler(deps.DB, deps.Blobs, deps.Generator)
	sourceHandler := NewSourceHandler(deps.DB, deps.Blobs, deps.Scanner, deps.MaxUploadBytes)

	var limiter redisRateCounter
	if deps.Redis != nil {
		limiter = deps.Redis
	}
	bulkHandler := NewBulkHandler(deps.Bulk, limiter, deps.SubmitPerMinute, deps.MaxUploadBytes)

	v1 := router.Group("/v1")
	{
		templateGroup := v1.Group("/entities/:entityId/templates")
		{
			templateGroup.POST("", templateHandler.CreateTemplate)
			templateGroup.GET("", templateHandler.ListTemplates)
			templateGroup.GET("/:id", templateHandler.GetTemplate)
			templateGroup.DELETE("/:id", templateHandler.DeleteTemplate)
			templateGroup.PUT("/:id/fields", templateHandler.SaveFields)
			templateGroup.POST("/:id/publish", templateHandler.PublishTemplate)
			templateGroup.POST("/:id/source", sourceHandler.UploadSource)
			templateGroup.POST("/:id/render", templateHandler.RenderTemplate)
			templateGroup.POST("/:id/preview", templateHandler.PreviewTemplate)
		}

		v1.POST("/entities/:entityId/bulk", bulkHandler.Submit)

		jobGroup := v1.Group("/jobs")
		{
			jobGroup.GET("/:id", bulkHandler.Status)
			jobGroup.GET("/:id/errors", bulkHandler.Errors)
			if deps.Redis != nil {
				wsHandler := NewWsHandler(deps.Redis, deps.Bulk, logger, deps.AllowedOrigins)
				jobGroup.GET("/:id/ws", wsHandler.HandleConnection)
			}
		}
	}
}
