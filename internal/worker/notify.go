package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"docforge/internal/bulk"
)

// ProgressChannel 返回任务进度的 Redis 频道，由 websocket 接口转发。
func ProgressChannel(jobID uint) string {
	return fmt.Sprintf("job_progress:%d", jobID)
}

// EntityChannel 返回实体级频道，接收该实体所有任务的完成通知。
func EntityChannel(entityID uint) string {
	return fmt.Sprintf("entity_notify:%d", entityID)
}

// 统一的 WebSocket 消息协议（通过 Redis Pub/Sub 转发给前端）。
// 注意：这里的字段名与前端解析保持一致。
type JobNotifyMessage struct {
	Type string `json:"type"` // progress | completed
	bulk.StatusView
	Email        string `json:"email,omitempty"`
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisNotifier 通过 Redis Pub/Sub 发布批量任务的进度与完成通知。
// 邮件发送不在本服务内：完成通知携带调用方提供的邮箱，由订阅实体频道的一方处理。
type RedisNotifier struct {
	client publisher
	logger *slog.Logger
}

var _ bulk.Notifier = (*RedisNotifier)(nil)

func NewRedisNotifier(client publisher, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{client: client, logger: logger}
}

func (n *RedisNotifier) Progress(ctx context.Context, s bulk.StatusView) error {
	return n.publish(ctx, ProgressChannel(s.JobID), JobNotifyMessage{Type: "progress", StatusView: s})
}

func (n *RedisNotifier) Completed(ctx context.Context, c bulk.Completion) error {
	msg := JobNotifyMessage{
		Type: "completed",
		StatusView: bulk.StatusView{
			JobID:         c.JobID,
			Status:        c.Status,
			ProcessedRows: c.SuccessCount + c.FailureCount,
			TotalRows:     c.SuccessCount + c.FailureCount,
			SuccessCount:  c.SuccessCount,
			FailureCount:  c.FailureCount,
			Progress:      100,
		},
		Email:        c.Email,
		ErrorCode:    c.ErrorCode,
		ErrorMessage: c.ErrorMessage,
	}
	if err := n.publish(ctx, ProgressChannel(c.JobID), msg); err != nil {
		return err
	}
	if err := n.publish(ctx, EntityChannel(c.EntityID), msg); err != nil {
		return err
	}
	n.logger.Info("completion notice published",
		slog.Uint64("job_id", uint64(c.JobID)),
		slog.String("status", string(c.Status)),
		slog.Bool("has_email", c.Email != ""),
	)
	return nil
}

func (n *RedisNotifier) publish(ctx context.Context, channel string, msg JobNotifyMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notify message: %w", err)
	}
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}
