package render

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"docforge/internal/database"
	"docforge/internal/layout"
	"docforge/internal/metrics"
	"docforge/internal/storage"
)

// Origin says which path produced a generation event.
type Origin string

const (
	OriginSingle Origin = "single"
	OriginBulk   Origin = "bulk"
)

// GenerationEvent is the record written for every generated document.
type GenerationEvent struct {
	EntityID    uint
	TemplateID  uint
	JobID       uint
	Origin      Origin
	ObjectKey   string
	ContentType string
	SizeBytes   int
	Pages       int
}

// EventRecorder persists generation events and returns the event id.
type EventRecorder interface {
	RecordGeneration(ctx context.Context, ev GenerationEvent) (uint, error)
}

// GenerateRequest is one document to render and store.
type GenerateRequest struct {
	Document *layout.Document
	Values   map[string]any
	Origin   Origin
	JobID    uint
}

// Generated describes a stored artifact.
type Generated struct {
	ObjectKey   string `json:"object_key"`
	URL         string `json:"url"`
	EventID     uint   `json:"event_id"`
	ContentType string `json:"content_type"`
	Pages       int    `json:"pages"`
	SizeBytes   int    `json:"size_bytes"`
}

// Generator renders, uploads and records documents. Whether anyone is
// notified is up to the caller.
type Generator struct {
	renderer *Renderer
	blobs    storage.Blobs
	events   EventRecorder
	logger   *slog.Logger
}

func NewGenerator(renderer *Renderer, blobs storage.Blobs, events EventRecorder, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{renderer: renderer, blobs: blobs, events: events, logger: logger}
}

// ObjectKey is the storage key of a generated document.
func ObjectKey(entityID, templateID uint, ext string) string {
	return fmt.Sprintf("generated/%d/%d/%s.%s", entityID, templateID, uuid.NewString(), ext)
}

func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (*Generated, error) {
	doc := req.Document
	origin := req.Origin
	if origin == "" {
		origin = OriginSingle
	}

	timer := metrics.StartRender(string(doc.Type))
	artifact, err := g.renderer.Render(ctx, doc, req.Values)
	timer.Done(err)
	if err != nil {
		return nil, err
	}

	key := ObjectKey(doc.EntityID, doc.ID, artifact.Extension)
	url, err := g.blobs.Upload(ctx, key, artifact.Data, storage.UploadOptions{ContentType: artifact.ContentType})
	if err != nil {
		return nil, fmt.Errorf("upload artifact: %w", err)
	}

	out := &Generated{
		ObjectKey:   key,
		URL:         url,
		ContentType: artifact.ContentType,
		Pages:       artifact.Pages,
		SizeBytes:   len(artifact.Data),
	}
	if g.events != nil {
		id, err := g.events.RecordGeneration(ctx, GenerationEvent{
			EntityID:    doc.EntityID,
			TemplateID:  doc.ID,
			JobID:       req.JobID,
			Origin:      origin,
			ObjectKey:   key,
			ContentType: artifact.ContentType,
			SizeBytes:   len(artifact.Data),
			Pages:       artifact.Pages,
		})
		if err != nil {
			return nil, fmt.Errorf("record generation event: %w", err)
		}
		out.EventID = id
	}

	g.logger.Info("document generated",
		slog.Uint64("entity_id", uint64(doc.EntityID)),
		slog.Uint64("template_id", uint64(doc.ID)),
		slog.String("origin", string(origin)),
		slog.String("object_key", key),
	)
	return out, nil
}

// GormEvents stores generation events with gorm.
type GormEvents struct {
	db *gorm.DB
}

func NewGormEvents(db *gorm.DB) *GormEvents {
	return &GormEvents{db: db}
}

func (e *GormEvents) RecordGeneration(ctx context.Context, ev GenerationEvent) (uint, error) {
	row := database.GenerationEvent{
		EntityID:    ev.EntityID,
		TemplateID:  ev.TemplateID,
		Origin:      string(ev.Origin),
		ObjectKey:   ev.ObjectKey,
		ContentType: ev.ContentType,
		SizeBytes:   ev.SizeBytes,
		Pages:       ev.Pages,
	}
	if ev.JobID != 0 {
		jobID := ev.JobID
		row.JobID = &jobID
	}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}
