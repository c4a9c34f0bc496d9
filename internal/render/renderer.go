package render

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docforge/internal/layout"
)

// Artifact is a rendered document.
type Artifact struct {
	Data        []byte
	ContentType string
	Extension   string
	Pages       int
}

// Renderer turns a template document plus values into an image or PDF.
// Image documents produce PNG, PDF documents produce PDF.
type Renderer struct {
	loader *Loader
	logger *slog.Logger
}

func NewRenderer(loader *Loader, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{loader: loader, logger: logger}
}

// Prepare runs the checks shared by every render: strict field validation,
// value resolution (labels to ids) and the required-field gate.
func Prepare(doc *layout.Document, values map[string]any) (map[string]any, error) {
	if err := layout.Strict(doc.Fields); err != nil {
		return nil, err
	}
	resolved := ResolveValues(doc.Fields, values)
	if err := CheckRequired(doc.Fields, resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

// Render validates values and draws doc. Values may be keyed by field id or
// by label. See Prepare for the validation errors.
func (r *Renderer) Render(ctx context.Context, doc *layout.Document, values map[string]any) (*Artifact, error) {
	resolved, err := Prepare(doc, values)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	loader := r.loader.For(doc.EntityID)
	var artifact *Artifact
	switch doc.Type {
	case layout.SourcePDF:
		artifact, err = newPDFTarget(loader).render(ctx, doc, resolved)
	case layout.SourceImage, "":
		artifact, err = newRasterTarget(loader).render(ctx, doc, resolved)
	default:
		return nil, fmt.Errorf("render: unknown document type %q: %w", doc.Type, ErrInvalidSource)
	}
	if err != nil {
		return nil, fmt.Errorf("render %s document: %w", doc.Type, err)
	}

	r.logger.Debug("document rendered",
		slog.Uint64("template_id", uint64(doc.ID)),
		slog.String("content_type", artifact.ContentType),
		slog.Int("pages", artifact.Pages),
		slog.Int("bytes", len(artifact.Data)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return artifact, nil
}

// PreviewResult is what the editor canvas draws.
type PreviewResult struct {
	Pages    []layout.PageSpec  `json:"pages"`
	Fields   []layout.FieldPlan `json:"fields"`
	Warnings []layout.Warning   `json:"warnings"`
}

// Preview plans doc for an editor canvas canvasW pixels wide. It runs the
// advisory checks only: missing values show as muted placeholders and long
// text is truncated with an ellipsis.
func Preview(doc *layout.Document, values map[string]any, canvasW float64) (*PreviewResult, error) {
	srcW, srcH := doc.SourceWidth, doc.SourceHeight
	if srcW <= 0 || srcH <= 0 {
		return nil, fmt.Errorf("preview: document has no source size: %w", ErrInvalidSource)
	}
	if canvasW <= 0 {
		canvasW = srcW
	}
	pages := make([]layout.PageSpec, doc.Pages())
	for i := range pages {
		pages[i] = layout.PageSpec{Number: i + 1, Width: canvasW, Height: canvasW * srcH / srcW}
	}

	faces := NewFaceSet()
	defer faces.Close()

	plans, err := layout.PlanDocument(doc, pages, ResolveValues(doc.Fields, values), faces, true)
	if err != nil {
		return nil, err
	}
	warnings := layout.Advise(doc.Fields)
	if warnings == nil {
		warnings = []layout.Warning{}
	}
	return &PreviewResult{Pages: pages, Fields: plans, Warnings: warnings}, nil
}
