package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"docforge/internal/layout"
)

// ErrTemplateNotFound 表示模板不存在或不属于该实体。
var ErrTemplateNotFound = errors.New("template not found")

// Document 把持久化的模板还原为 layout.Document。字段内容按 layout.Parse 的宽松规则解析。
func (t *Template) Document() *layout.Document {
	return &layout.Document{
		ID:           t.ID,
		EntityID:     t.EntityID,
		Name:         t.Name,
		Type:         layout.SourceType(t.SourceType),
		SourceURL:    t.SourceKey,
		SourceWidth:  t.SourceWidth,
		SourceHeight: t.SourceHeight,
		PageCount:    t.PageCount,
		Fields:       layout.Parse(string(t.Fields)),
		UpdatedAt:    t.UpdatedAt,
	}
}

// SetFields 序列化字段并写入模型（不落库）。
func (t *Template) SetFields(fields []layout.Field) error {
	content, err := layout.Serialize(fields)
	if err != nil {
		return err
	}
	t.Fields = datatypes.JSON(content)
	return nil
}

// Templates 按实体加载模板文档。
type Templates struct {
	db *gorm.DB
}

func NewTemplates(db *gorm.DB) *Templates {
	return &Templates{db: db}
}

// Find 返回属于 entityID 的模板；不存在时返回 ErrTemplateNotFound。
func (r *Templates) Find(ctx context.Context, entityID, id uint) (*Template, error) {
	var model Template
	err := r.db.WithContext(ctx).Where("entity_id = ?", entityID).First(&model, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("template %d: %w", id, ErrTemplateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load template %d: %w", id, err)
	}
	return &model, nil
}

// LoadDocument 是 Find 的文档视图。
func (r *Templates) LoadDocument(ctx context.Context, entityID, id uint) (*layout.Document, error) {
	model, err := r.Find(ctx, entityID, id)
	if err != nil {
		return nil, err
	}
	return model.Document(), nil
}
