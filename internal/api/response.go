package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docforge/internal/api/middleware"
	"docforge/internal/bulk"
	"docforge/internal/database"
	"docforge/internal/ingest"
	"docforge/internal/jobs"
	"docforge/internal/layout"
	"docforge/internal/render"
	"docforge/internal/storage"
)

func Error(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func BadRequest(c *gin.Context, msg string) { Error(c, http.StatusBadRequest, msg) }
func NotFound(c *gin.Context, msg string)   { Error(c, http.StatusNotFound, msg) }
func Internal(c *gin.Context, msg string)   { Error(c, http.StatusInternalServerError, msg) }

// WriteError 将核心包的类型化校验错误映射为带有具体名称的 4xx 响应；
// 其余错误记录日志并返回 500。
func WriteError(c *gin.Context, err error) {
	var (
		dupLabels  *layout.DuplicateLabelsError
		badField   *layout.InvalidFieldError
		missing    *render.MissingFieldsError
		missingCol *bulk.MissingColumnsError
	)
	switch {
	case errors.As(err, &dupLabels):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "duplicate_labels": dupLabels.Labels})
	case errors.As(err, &badField):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "field_id": badField.FieldID})
	case errors.As(err, &missing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "missing_fields": missing.Labels})
	case errors.As(err, &missingCol):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "missing_columns": missingCol.Columns})
	case errors.Is(err, bulk.ErrNoRows),
		errors.Is(err, bulk.ErrTooManyRows),
		errors.Is(err, render.ErrInvalidSource),
		errors.Is(err, ingest.ErrEmptyFile),
		errors.Is(err, ingest.ErrEmptyHeader),
		errors.Is(err, ingest.ErrDuplicateCol):
		BadRequest(c, err.Error())
	case errors.Is(err, database.ErrTemplateNotFound):
		NotFound(c, "template not found")
	case errors.Is(err, jobs.ErrNotFound):
		NotFound(c, "job not found")
	case errors.Is(err, storage.ErrNotFound):
		NotFound(c, "object not found")
	default:
		middleware.LoggerFromContext(c).Error("request failed", "error", err)
		Internal(c, "internal error")
	}
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(v), true
}
