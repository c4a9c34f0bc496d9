package database

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docforge/internal/config"
)

const slowQueryThreshold = 500 * time.Millisecond

// slogWriter 把 GORM 的日志输出接到 slog 上。
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Info(fmt.Sprintf(format, args...))
}

// NewGormLogger 返回经由 slog 输出的 GORM 日志器。慢查询总会记录；
// logQueries 为 true 时记录每条语句。
func NewGormLogger(base *slog.Logger, logQueries bool) logger.Interface {
	if base == nil {
		base = slog.Default()
	}
	level := logger.Warn
	if logQueries {
		level = logger.Info
	}
	return logger.New(slogWriter{logger: base.With(slog.String("component", "gorm"))}, logger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// InitDatabase 使用配置初始化 PostgreSQL 连接，并返回 GORM 数据库实例。
func InitDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: NewGormLogger(slog.Default(), cfg.LogQueries),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap db: %w", err)
	}

	// API 与 worker 的批次处理并发写计数，连接池按 worker 并发度留出余量。
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(40)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// Migrate 创建或更新 AllModels 中的全部数据表。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
