package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"docforge/internal/api/middleware"
	"docforge/internal/bulk"
	"docforge/internal/ingest"
	"docforge/internal/jobs"
)

// BulkService 是 API 需要的批量编排接口。
type BulkService interface {
	Submit(ctx context.Context, req bulk.SubmitRequest) (*jobs.Job, error)
	Status(ctx context.Context, jobID uint) (*bulk.StatusView, error)
	Errors(ctx context.Context, jobID uint) ([]jobs.RowError, error)
}

// BulkHandler 负责批量生成任务的提交、状态查询与错误明细下载。
type BulkHandler struct {
	service  BulkService
	limiter  *windowLimiter
	maxBytes int64
}

// NewBulkHandler 构造 BulkHandler。limiter 为 nil 或限额为 0 时不限流。
func NewBulkHandler(service BulkService, limiter redisRateCounter, submitPerMinute int, maxBytes int64) *BulkHandler {
	return &BulkHandler{
		service:  service,
		limiter:  newWindowLimiter(limiter, "rate:bulk_submit", submitPerMinute, time.Minute),
		maxBytes: maxBytes,
	}
}

// allow 把本次提交计入实体的每分钟配额；Redis 故障时放行。
func (h *BulkHandler) allow(c *gin.Context, entityID uint) bool {
	ok, err := h.limiter.Allow(c.Request.Context(), strconv.FormatUint(uint64(entityID), 10))
	if err != nil {
		middleware.LoggerFromContext(c).Warn("bulk rate limiter unavailable", slog.Any("error", err))
		return true
	}
	return ok
}

// POST /v1/entities/:entityId/bulk
// multipart: file (CSV), template_id（可选，缺省为内置标准版式）, notify_email（可选）。
func (h *BulkHandler) Submit(c *gin.Context) {
	entityID, ok := uintParam(c, "entityId")
	if !ok {
		return
	}
	if !h.allow(c, entityID) {
		Error(c, http.StatusTooManyRequests, "too many bulk submissions, try again later")
		return
	}

	var templateID uint
	if raw := strings.TrimSpace(c.PostForm("template_id")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			BadRequest(c, "invalid template_id")
			return
		}
		templateID = uint(v)
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
	table, err := ingest.ParseCSV(reader)
	reader.Close()
	if err != nil {
		WriteError(c, err)
		return
	}

	job, err := h.service.Submit(c.Request.Context(), bulk.SubmitRequest{
		EntityID:      entityID,
		TemplateID:    templateID,
		Table:         table,
		NotifyEmail:   strings.TrimSpace(c.PostForm("notify_email")),
		CorrelationID: middleware.GetCorrelationID(c),
	})
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     job.ID,
		"status":     job.Status,
		"total_rows": job.TotalRows,
	})
}

// GET /v1/jobs/:id
func (h *BulkHandler) Status(c *gin.Context) {
	jobID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	status, err := h.service.Status(c.Request.Context(), jobID)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GET /v1/jobs/:id/errors[?format=csv]
func (h *BulkHandler) Errors(c *gin.Context) {
	jobID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	rowErrors, err := h.service.Errors(c.Request.Context(), jobID)
	if err != nil {
		WriteError(c, err)
		return
	}
	if rowErrors == nil {
		rowErrors = []jobs.RowError{}
	}

	if !strings.EqualFold(c.Query("format"), "csv") {
		c.JSON(http.StatusOK, gin.H{"items": rowErrors})
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="job-%d-errors.csv"`, jobID))
	c.Status(http.StatusOK)
	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"row", "error", "data"})
	for _, e := range rowErrors {
		data, _ := json.Marshal(e.Row)
		_ = w.Write([]string{strconv.Itoa(e.RowIndex + 1), e.Message, string(data)})
	}
	w.Flush()
}
