// Package billing persists the supplier and invoice records produced by
// bulk generation.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docforge/internal/database"
)

// PlaceholderEmailDomain is used when a new supplier arrives without an email.
const PlaceholderEmailDomain = "suppliers.invalid"

var ErrEmptySupplierName = errors.New("supplier name is empty")

// Supplier is a resolved supplier record.
type Supplier struct {
	ID    uint
	Name  string
	Email string
}

// InvoiceRecord is one generated invoice row.
type InvoiceRecord struct {
	EntityID    uint
	SupplierID  uint
	JobID       uint
	RowIndex    int
	Number      string
	Amount      string
	DocumentKey string
	Data        map[string]any
}

// Service resolves suppliers and records invoices. It is safe for
// concurrent use by the rows of a batch.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// NameKey normalizes a supplier name for case-insensitive matching.
func NameKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// PlaceholderEmail derives a stable non-deliverable address from the name.
func PlaceholderEmail(name string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ' || r == '-' || r == '_' || r == '.':
			return '-'
		}
		return -1
	}, NameKey(name))
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "supplier"
	}
	return slug + "@" + PlaceholderEmailDomain
}

// ResolveSupplier finds the entity's supplier by name, creating it when it
// does not exist. Concurrent rows naming the same new supplier converge on
// one record.
func (s *Service) ResolveSupplier(ctx context.Context, entityID uint, name, email string) (*Supplier, error) {
	key := NameKey(name)
	if key == "" {
		return nil, ErrEmptySupplierName
	}
	email = strings.TrimSpace(email)
	if email == "" {
		email = PlaceholderEmail(name)
	}

	db := s.db.WithContext(ctx)
	candidate := database.Supplier{
		EntityID: entityID,
		NameKey:  key,
		Name:     strings.TrimSpace(name),
		Email:    email,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		return nil, fmt.Errorf("create supplier %q: %w", name, err)
	}

	var model database.Supplier
	if err := db.Where("entity_id = ? AND name_key = ?", entityID, key).First(&model).Error; err != nil {
		return nil, fmt.Errorf("load supplier %q: %w", name, err)
	}
	return &Supplier{ID: model.ID, Name: model.Name, Email: model.Email}, nil
}

// RecordInvoice stores an invoice row and returns its id. A row that
// already has an invoice keeps it and its id is returned.
func (s *Service) RecordInvoice(ctx context.Context, rec InvoiceRecord) (uint, error) {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return 0, fmt.Errorf("encode invoice data: %w", err)
	}
	model := database.Invoice{
		EntityID:    rec.EntityID,
		JobID:       rec.JobID,
		RowIndex:    rec.RowIndex,
		Number:      rec.Number,
		Amount:      rec.Amount,
		DocumentKey: rec.DocumentKey,
		Data:        datatypes.JSON(data),
	}
	if rec.SupplierID != 0 {
		id := rec.SupplierID
		model.SupplierID = &id
	}
	db := s.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return 0, fmt.Errorf("record invoice for row %d: %w", rec.RowIndex, res.Error)
	}
	if res.RowsAffected == 1 {
		return model.ID, nil
	}

	var existing database.Invoice
	if err := db.Unscoped().Select("id").
		Where("job_id = ? AND row_index = ?", rec.JobID, rec.RowIndex).
		First(&existing).Error; err != nil {
		return 0, fmt.Errorf("load invoice for row %d: %w", rec.RowIndex, err)
	}
	return existing.ID, nil
}

// Invoices lists a job's invoices ordered by row.
func (s *Service) Invoices(ctx context.Context, jobID uint) ([]database.Invoice, error) {
	var rows []database.Invoice
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("row_index ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list invoices of job %d: %w", jobID, err)
	}
	return rows, nil
}
