package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"docforge/internal/api/middleware"
	"docforge/internal/database"
	"docforge/internal/layout"
	"docforge/internal/render"
	"docforge/internal/storage"
)

const sourcePreviewTTL = 15 * time.Minute

// DocumentGenerator 渲染并保存单份文档。
type DocumentGenerator interface {
	Generate(ctx context.Context, req render.GenerateRequest) (*render.Generated, error)
}

// TemplateHandler 负责模板文档的增删改查、发布、单文档渲染与编辑器预览。
type TemplateHandler struct {
	db        *gorm.DB
	templates *database.Templates
	blobs     storage.Blobs
	generator DocumentGenerator
}

func NewTemplateHandler(db *gorm.DB, blobs storage.Blobs, generator DocumentGenerator) *TemplateHandler {
	return &TemplateHandler{
		db:        db,
		templates: database.NewTemplates(db),
		blobs:     blobs,
		generator: generator,
	}
}

type createTemplateRequest struct {
	Name         string         `json:"name" binding:"required"`
	Type         string         `json:"type"`
	SourceWidth  float64        `json:"source_width"`
	SourceHeight float64        `json:"source_height"`
	PageCount    int            `json:"page_count"`
	Fields       []layout.Field `json:"fields"`
}

type saveFieldsRequest struct {
	Fields []layout.Field `json:"fields"`
}

type renderRequest struct {
	Values map[string]any `json:"values"`
}

type previewRequest struct {
	Values      map[string]any `json:"values"`
	CanvasWidth float64        `json:"canvas_width"`
}

type templateListItem struct {
	ID          uint       `json:"id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	PageCount   int        `json:"page_count"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type templateResponse struct {
	*layout.Document
	SourcePreviewURL string           `json:"source_preview_url,omitempty"`
	PublishedAt      *time.Time       `json:"published_at,omitempty"`
	Warnings         []layout.Warning `json:"warnings"`
}

func (h *TemplateHandler) respond(c *gin.Context, status int, model *database.Template) {
	doc := model.Document()
	resp := templateResponse{
		Document:    doc,
		PublishedAt: model.PublishedAt,
		Warnings:    layout.Advise(doc.Fields),
	}
	if resp.Warnings == nil {
		resp.Warnings = []layout.Warning{}
	}
	if doc.Fields == nil {
		doc.Fields = []layout.Field{}
	}
	if model.SourceKey != "" && h.blobs != nil {
		url, err := h.blobs.URL(c.Request.Context(), model.SourceKey, sourcePreviewTTL)
		if err != nil {
			middleware.LoggerFromContext(c).Warn("sign source url failed", "template_id", model.ID, "error", err)
		} else {
			resp.SourcePreviewURL = url
		}
	}
	c.JSON(status, resp)
}

// normalizeFields 按编辑器新增字段时的规则补齐 id、页码和单位。
func normalizeFields(fields []layout.Field) []layout.Field {
	var doc layout.Document
	for _, f := range fields {
		doc.AddField(f)
	}
	if doc.Fields == nil {
		return []layout.Field{}
	}
	return doc.Fields
}

func (h *TemplateHandler) load(c *gin.Context) (*database.Template, bool) {
	entityID, ok := uintParam(c, "entityId")
	if !ok {
		return nil, false
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return nil, false
	}
	model, err := h.templates.Find(c.Request.Context(), entityID, id)
	if err != nil {
		WriteError(c, err)
		return nil, false
	}
	return model, true
}

// POST /v1/entities/:entityId/templates
// 创建模板：可以为空白模板，也可以先创建再上传底图。
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	entityID, ok := uintParam(c, "entityId")
	if !ok {
		return
	}

	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	sourceType := layout.SourceType(strings.ToLower(strings.TrimSpace(req.Type)))
	switch sourceType {
	case "":
		sourceType = layout.SourceImage
	case layout.SourceImage, layout.SourcePDF:
	default:
		BadRequest(c, "type must be image or pdf")
		return
	}
	if req.SourceWidth < 0 || req.SourceHeight < 0 || req.PageCount < 0 {
		BadRequest(c, "source dimensions must not be negative")
		return
	}
	if sourceType == layout.SourcePDF && req.SourceWidth == 0 && req.SourceHeight == 0 {
		req.SourceWidth, req.SourceHeight = layout.A4WidthPt, layout.A4HeightPt
	}
	pages := req.PageCount
	if pages < 1 || sourceType == layout.SourceImage {
		pages = 1
	}

	model := database.Template{
		EntityID:     entityID,
		Name:         strings.TrimSpace(req.Name),
		SourceType:   string(sourceType),
		SourceWidth:  req.SourceWidth,
		SourceHeight: req.SourceHeight,
		PageCount:    pages,
	}
	if err := model.SetFields(normalizeFields(req.Fields)); err != nil {
		BadRequest(c, "invalid fields")
		return
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&model).Error; err != nil {
		WriteError(c, err)
		return
	}
	h.respond(c, http.StatusCreated, &model)
}

// GET /v1/entities/:entityId/templates
func (h *TemplateHandler) ListTemplates(c *gin.Context) {
	entityID, ok := uintParam(c, "entityId")
	if !ok {
		return
	}

	var models []database.Template
	if err := h.db.WithContext(c.Request.Context()).
		Select("id", "name", "source_type", "page_count", "published_at", "updated_at").
		Where("entity_id = ?", entityID).
		Order("updated_at DESC").
		Find(&models).Error; err != nil {
		WriteError(c, err)
		return
	}

	items := make([]templateListItem, 0, len(models))
	for _, m := range models {
		items = append(items, templateListItem{
			ID:          m.ID,
			Name:        m.Name,
			Type:        m.SourceType,
			PageCount:   m.PageCount,
			PublishedAt: m.PublishedAt,
			UpdatedAt:   m.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GET /v1/entities/:entityId/templates/:id
func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	model, ok := h.load(c)
	if !ok {
		return
	}
	h.respond(c, http.StatusOK, model)
}

// DELETE /v1/entities/:entityId/templates/:id
func (h *TemplateHandler) DeleteTemplate(c *gin.Context) {
	model, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.db.WithContext(c.Request.Context()).Delete(model).Error; err != nil {
		WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PUT /v1/entities/:entityId/templates/:id/fields
// 编辑器的防抖自动保存：只做提示性校验（重复标签等以 warnings 返回），不会阻止保存。
func (h *TemplateHandler) SaveFields(c *gin.Context) {
	model, ok := h.load(c)
	if !ok {
		return
	}

	var req saveFieldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if err := model.SetFields(normalizeFields(req.Fields)); err != nil {
		BadRequest(c, "invalid fields")
		return
	}
	if err := h.db.WithContext(c.Request.Context()).
		Model(model).
		Select("fields", "updated_at").
		Updates(model).Error; err != nil {
		WriteError(c, err)
		return
	}
	h.respond(c, http.StatusOK, model)
}

// POST /v1/entities/:entityId/templates/:id/publish
// 发布边界执行严格校验：标签重复（不区分大小写）直接返回 422。
func (h *TemplateHandler) PublishTemplate(c *gin.Context) {
	model, ok := h.load(c)
	if !ok {
		return
	}
	doc := model.Document()
	if err := layout.Strict(doc.Fields); err != nil {
		WriteError(c, err)
		return
	}

	now := time.Now()
	if err := h.db.WithContext(c.Request.Context()).
		Model(model).
		Update("published_at", now).Error; err != nil {
		WriteError(c, err)
		return
	}
	model.PublishedAt = &now
	h.respond(c, http.StatusOK, model)
}

// POST /v1/entities/:entityId/templates/:id/render
// 单文档渲染：values 可以按字段 id 或标签提供；缺失必填字段时返回 422 与标签列表。
func (h *TemplateHandler) RenderTemplate(c *gin.Context) {
	model, ok := h.load(c)
	if !ok {
		return
	}

	var req renderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	out, err := h.generator.Generate(c.Request.Context(), render.GenerateRequest{
		Document: model.Document(),
		Values:   req.Values,
		Origin:   render.OriginSingle,
	})
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// POST /v1/entities/:entityId/templates/:id/preview
// 返回编辑器画布使用的绘制指令，与服务端渲染共享同一套布局计算。
func (h *TemplateHandler) PreviewTemplate(c *gin.Context) {
	model, ok := h.load(c)
	if !ok {
		return
	}

	var req previewRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, err.Error())
			return
		}
	}
	if req.CanvasWidth < 0 {
		BadRequest(c, "canvas_width must not be negative")
		return
	}

	result, err := render.Preview(model.Document(), req.Values, req.CanvasWidth)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
