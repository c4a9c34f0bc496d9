package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypeBulkBatch = "bulk:batch"
)

// BulkBatchPayload 携带一个批次的全部行；批次身份为 (job_id, batch_index)。
type BulkBatchPayload struct {
	JobID         uint             `json:"job_id"`
	EntityID      uint             `json:"entity_id"`
	TemplateID    uint             `json:"template_id"`
	BatchIndex    int              `json:"batch_index"`
	StartRow      int              `json:"start_row"`
	Rows          []map[string]any `json:"rows"`
	CorrelationID string           `json:"correlation_id"`
}

// TaskID 是批次在队列中的唯一标识，重复投递同一批次会被 asynq 拒绝。
func (p BulkBatchPayload) TaskID() string {
	return fmt.Sprintf("bulk-%d-%d", p.JobID, p.BatchIndex)
}

// NewBulkBatchTask 构造一个批次任务。
func NewBulkBatchTask(p BulkBatchPayload, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.TaskID(p.TaskID())}, opts...)
	return asynq.NewTask(TypeBulkBatch, payload, opts...), nil
}

// ParseBulkBatch 解析任务负载。数字保持 json.Number，避免大整数在 float64 中丢精度。
func ParseBulkBatch(t *asynq.Task) (BulkBatchPayload, error) {
	var p BulkBatchPayload
	if err := decodeJSON(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", t.Type(), err)
	}
	return p, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
