package database

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Template 表示一个模板文档：底图（图片或 PDF）加上有序的字段列表。
type Template struct {
	gorm.Model
	EntityID     uint           `gorm:"index;not null"`
	Name         string         `gorm:"size:255"`
	SourceType   string         `gorm:"size:16;not null;default:image"`
	SourceKey    string         `gorm:"size:512"`
	SourceWidth  float64        `gorm:"not null;default:0"`
	SourceHeight float64        `gorm:"not null;default:0"`
	PageCount    int            `gorm:"not null;default:1"`
	Fields       datatypes.JSON `gorm:"type:jsonb"` // 字段数组，见 layout.Serialize
	PublishedAt  *time.Time
}

// BulkJob 记录一次批量生成任务的进度与结果。
// 计数器只在批次完成时通过 SQL 自增更新。
type BulkJob struct {
	ID            uint   `gorm:"primaryKey"`
	EntityID      uint   `gorm:"index;not null"`
	TemplateID    uint   `gorm:"index"` // 0 表示内置标准版式
	TotalRows     int    `gorm:"not null"`
	ProcessedRows int    `gorm:"not null;default:0"`
	SuccessCount  int    `gorm:"not null;default:0"`
	FailureCount  int    `gorm:"not null;default:0"`
	BatchCount    int    `gorm:"not null;default:0"`
	Status        string `gorm:"size:16;index;not null"`
	ResultKey     string `gorm:"size:512"`
	NotifyEmail   string `gorm:"size:255"`
	FinalizedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BulkBatch 是批次身份 (job_id, batch_index)；唯一索引保证同一批次只被计入一次。
type BulkBatch struct {
	ID           uint `gorm:"primaryKey"`
	JobID        uint `gorm:"uniqueIndex:idx_bulk_batch_identity;not null"`
	BatchIndex   int  `gorm:"uniqueIndex:idx_bulk_batch_identity;not null"`
	RowCount     int  `gorm:"not null"`
	SuccessCount int  `gorm:"not null"`
	FailureCount int  `gorm:"not null"`
	CreatedAt    time.Time
}

// BulkJobError 是错误日志中的一条记录。
type BulkJobError struct {
	ID        uint           `gorm:"primaryKey"`
	JobID     uint           `gorm:"index;not null"`
	RowIndex  int            `gorm:"not null"`
	Row       datatypes.JSON `gorm:"type:jsonb"`
	Message   string         `gorm:"type:text"`
	CreatedAt time.Time
}

// JobDocument 记录某一行生成成功的文档对象，用于最终打包。
// 同一任务的同一行只保留一条（重复投递的批次不会新增记录）。
type JobDocument struct {
	ID          uint   `gorm:"primaryKey"`
	JobID       uint   `gorm:"uniqueIndex:idx_job_document_row;not null"`
	RowIndex    int    `gorm:"uniqueIndex:idx_job_document_row;not null"`
	ObjectKey   string `gorm:"size:512;not null"`
	ContentType string `gorm:"size:64"`
	InvoiceID   uint
	CreatedAt   time.Time
}

// Supplier 是按名称（不区分大小写）在实体范围内唯一的供应商。
type Supplier struct {
	gorm.Model
	EntityID uint   `gorm:"uniqueIndex:idx_supplier_entity_name;not null"`
	NameKey  string `gorm:"uniqueIndex:idx_supplier_entity_name;size:255;not null"`
	Name     string `gorm:"size:255;not null"`
	Email    string `gorm:"size:255"`
}

// Invoice 是批量生成时每一行对应的发票记录，(job_id, row_index) 唯一。
type Invoice struct {
	gorm.Model
	EntityID    uint           `gorm:"index;not null"`
	SupplierID  *uint          `gorm:"index"`
	JobID       uint           `gorm:"uniqueIndex:idx_invoice_job_row;not null"`
	RowIndex    int            `gorm:"uniqueIndex:idx_invoice_job_row;not null"`
	Number      string         `gorm:"size:128"`
	Amount      string         `gorm:"size:64"`
	DocumentKey string         `gorm:"size:512"`
	Data        datatypes.JSON `gorm:"type:jsonb"`
}

// GenerationEvent 记录每一次文档生成（单次渲染或批量中的一行）。
type GenerationEvent struct {
	ID          uint   `gorm:"primaryKey"`
	EntityID    uint   `gorm:"index;not null"`
	TemplateID  uint   `gorm:"index"`
	JobID       *uint  `gorm:"index"`
	Origin      string `gorm:"size:16;not null"`
	ObjectKey   string `gorm:"size:512;not null"`
	ContentType string `gorm:"size:64"`
	SizeBytes   int
	Pages       int
	CreatedAt   time.Time
}

// AllModels 按迁移顺序列出服务需要的全部数据表。
func AllModels() []any {
	return []any{
		&Template{},
		&BulkJob{},
		&BulkBatch{},
		&BulkJobError{},
		&JobDocument{},
		&Supplier{},
		&Invoice{},
		&GenerationEvent{},
	}
}
