package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docforge/internal/database"
)

// GormStore keeps job state in SQL. Counter updates are SQL-level
// increments, never read-modify-write, so concurrent batches cannot lose
// updates.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func toJob(m database.BulkJob) *Job {
	return &Job{
		ID:            m.ID,
		EntityID:      m.EntityID,
		TemplateID:    m.TemplateID,
		TotalRows:     m.TotalRows,
		ProcessedRows: m.ProcessedRows,
		SuccessCount:  m.SuccessCount,
		FailureCount:  m.FailureCount,
		BatchCount:    m.BatchCount,
		Status:        Status(m.Status),
		ResultKey:     m.ResultKey,
		NotifyEmail:   m.NotifyEmail,
		FinalizedAt:   m.FinalizedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func (s *GormStore) Create(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = StatusPending
	}
	m := database.BulkJob{
		EntityID:    job.EntityID,
		TemplateID:  job.TemplateID,
		TotalRows:   job.TotalRows,
		BatchCount:  job.BatchCount,
		Status:      string(job.Status),
		NotifyEmail: job.NotifyEmail,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	*job = *toJob(m)
	return nil
}

func (s *GormStore) Get(ctx context.Context, id uint) (*Job, error) {
	var m database.BulkJob
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load job %d: %w", id, err)
	}
	return toJob(m), nil
}

func (s *GormStore) MarkProcessing(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&database.BulkJob{}).
		Where("id = ? AND status = ?", id, string(StatusPending)).
		Updates(map[string]any{"status": string(StatusProcessing), "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("mark job %d processing: %w", id, res.Error)
	}
	return nil
}

func (s *GormStore) BatchApplied(ctx context.Context, jobID uint, batchIndex int) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&database.BulkBatch{}).
		Where("job_id = ? AND batch_index = ?", jobID, batchIndex).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check batch %d/%d: %w", jobID, batchIndex, err)
	}
	return n > 0, nil
}

func (s *GormStore) ApplyBatch(ctx context.Context, res BatchResult) (bool, error) {
	if err := res.validate(); err != nil {
		return false, err
	}
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch := database.BulkBatch{
			JobID:        res.JobID,
			BatchIndex:   res.BatchIndex,
			RowCount:     res.RowCount,
			SuccessCount: res.Succeeded,
			FailureCount: res.Failed,
		}
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&batch)
		if ins.Error != nil {
			return fmt.Errorf("record batch identity: %w", ins.Error)
		}
		if ins.RowsAffected == 0 {
			return nil
		}

		upd := tx.Model(&database.BulkJob{}).Where("id = ?", res.JobID).Updates(map[string]any{
			"processed_rows": gorm.Expr("processed_rows + ?", res.RowCount),
			"success_count":  gorm.Expr("success_count + ?", res.Succeeded),
			"failure_count":  gorm.Expr("failure_count + ?", res.Failed),
			"updated_at":     time.Now(),
		})
		if upd.Error != nil {
			return fmt.Errorf("increment counters: %w", upd.Error)
		}
		if upd.RowsAffected == 0 {
			return fmt.Errorf("job %d: %w", res.JobID, ErrNotFound)
		}

		if len(res.Errors) > 0 {
			rows := make([]database.BulkJobError, 0, len(res.Errors))
			for _, e := range res.Errors {
				raw, err := json.Marshal(e.Row)
				if err != nil {
					raw = []byte("{}")
				}
				rows = append(rows, database.BulkJobError{
					JobID:    res.JobID,
					RowIndex: e.RowIndex,
					Row:      datatypes.JSON(raw),
					Message:  e.Message,
				})
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("append error log: %w", err)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply batch %d/%d: %w", res.JobID, res.BatchIndex, err)
	}
	return applied, nil
}

func (s *GormStore) ClaimFinalization(ctx context.Context, jobID uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&database.BulkJob{}).
		Where("id = ? AND finalized_at IS NULL AND processed_rows >= total_rows", jobID).
		Update("finalized_at", time.Now())
	if res.Error != nil {
		return false, fmt.Errorf("claim finalization of job %d: %w", jobID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) Complete(ctx context.Context, jobID uint, status Status, resultKey string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete job %d with %q: %w", jobID, status, ErrInvalidTerminal)
	}
	res := s.db.WithContext(ctx).Model(&database.BulkJob{}).
		Where("id = ?", jobID).
		Updates(map[string]any{"status": string(status), "result_key": resultKey, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("complete job %d: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) AddDocument(ctx context.Context, doc Document) error {
	m := database.JobDocument{
		JobID:       doc.JobID,
		RowIndex:    doc.RowIndex,
		ObjectKey:   doc.ObjectKey,
		ContentType: doc.ContentType,
		InvoiceID:   doc.InvoiceID,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
		return fmt.Errorf("add document for job %d row %d: %w", doc.JobID, doc.RowIndex, err)
	}
	return nil
}

func (s *GormStore) Documents(ctx context.Context, jobID uint) ([]Document, error) {
	var rows []database.JobDocument
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("row_index ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list documents of job %d: %w", jobID, err)
	}
	docs := make([]Document, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, Document{
			JobID:       r.JobID,
			RowIndex:    r.RowIndex,
			ObjectKey:   r.ObjectKey,
			ContentType: r.ContentType,
			InvoiceID:   r.InvoiceID,
		})
	}
	return docs, nil
}

func (s *GormStore) Errors(ctx context.Context, jobID uint) ([]RowError, error) {
	var rows []database.BulkJobError
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("row_index ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list errors of job %d: %w", jobID, err)
	}
	out := make([]RowError, 0, len(rows))
	for _, r := range rows {
		entry := RowError{RowIndex: r.RowIndex, Message: r.Message}
		if len(r.Row) > 0 {
			_ = json.Unmarshal(r.Row, &entry.Row)
		}
		out = append(out, entry)
	}
	return out, nil
}
