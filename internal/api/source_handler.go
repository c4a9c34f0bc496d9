package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/dutchcoders/go-clamd"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"docforge/internal/api/middleware"
	"docforge/internal/database"
	"docforge/internal/render"
	"docforge/internal/storage"
)

var errInfected = errors.New("malicious file detected")

// Scanner 在上传文件落盘前进行检查。
type Scanner interface {
	Scan(r io.Reader) error
}

// ClamdScanner 将上传内容流式发送给 clamd 扫描。
type ClamdScanner struct {
	Addr string
}

func (s ClamdScanner) Scan(r io.Reader) error {
	abortChan := make(chan bool)
	defer close(abortChan)

	results, err := clamd.NewClamd(s.Addr).ScanStream(r, abortChan)
	if err != nil {
		return fmt.Errorf("scan file: %w", err)
	}
	var infected bool
	for result := range results {
		if result.Status != clamd.RES_OK {
			infected = true
		}
	}
	if infected {
		return errInfected
	}
	return nil
}

// SourceHandler 负责模板底图（图片或 PDF）的上传：病毒扫描、解析尺寸与页数、写入存储。
type SourceHandler struct {
	db        *gorm.DB
	templates *database.Templates
	blobs     storage.Blobs
	scanner   Scanner
	maxBytes  int64
}

// NewSourceHandler 构造 SourceHandler；scanner 为 nil 时跳过扫描。
func NewSourceHandler(db *gorm.DB, blobs storage.Blobs, scanner Scanner, maxBytes int64) *SourceHandler {
	return &SourceHandler{
		db:        db,
		templates: database.NewTemplates(db),
		blobs:     blobs,
		scanner:   scanner,
		maxBytes:  maxBytes,
	}
}

// SourceKey 返回模板底图在对象存储中的 key。
func SourceKey(entityID, templateID uint, ext string) string {
	return fmt.Sprintf("template-sources/%d/%d/%s.%s", entityID, templateID, uuid.NewString(), ext)
}

// POST /v1/entities/:entityId/templates/:id/source
func (h *SourceHandler) UploadSource(c *gin.Context) {
	log := middleware.LoggerFromContext(c)

	entityID, ok := uintParam(c, "entityId")
	if !ok {
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	model, err := h.templates.Find(c.Request.Context(), entityID, id)
	if err != nil {
		WriteError(c, err)
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "missing file")
		return
	}
	if h.maxBytes > 0 && file.Size > h.maxBytes {
		Error(c, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	reader, err := file.Open()
	if err != nil {
		Internal(c, "failed to open file")
		return
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		Internal(c, "failed to read file")
		return
	}

	if h.scanner != nil {
		if err := h.scanner.Scan(bytes.NewReader(data)); err != nil {
			if errors.Is(err, errInfected) {
				BadRequest(c, err.Error())
				return
			}
			log.Error("scan source failed", slog.Any("error", err))
			Internal(c, "failed to scan file")
			return
		}
	}

	info, err := render.InspectSource(data)
	if err != nil {
		WriteError(c, err)
		return
	}

	key := SourceKey(entityID, model.ID, info.Format)
	if _, err := h.blobs.Upload(c.Request.Context(), key, data, storage.UploadOptions{ContentType: info.ContentType}); err != nil {
		log.Error("upload source failed", slog.Any("error", err))
		Internal(c, "failed to upload file")
		return
	}

	model.SourceType = string(info.Type)
	model.SourceKey = key
	model.SourceWidth = info.Width
	model.SourceHeight = info.Height
	model.PageCount = info.PageCount
	if err := h.db.WithContext(c.Request.Context()).
		Model(model).
		Select("source_type", "source_key", "source_width", "source_height", "page_count", "updated_at").
		Updates(model).Error; err != nil {
		WriteError(c, err)
		return
	}

	log.Info("template source uploaded",
		slog.Uint64("template_id", uint64(model.ID)),
		slog.String("type", string(info.Type)),
		slog.Int("pages", info.PageCount),
	)
	c.JSON(http.StatusCreated, gin.H{
		"object_key":    key,
		"type":          info.Type,
		"source_width":  info.Width,
		"source_height": info.Height,
		"page_count":    info.PageCount,
	})
}
