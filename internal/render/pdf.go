package render

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/jung-kurt/gofpdf"
	"github.com/jung-kurt/gofpdf/contrib/gofpdi"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"docforge/internal/layout"
)

// bezierArc is the control point distance for a quarter circle.
const bezierArc = 0.5523

// pdfTarget draws field plans over imported source pages (or blank pages).
// gofpdf user space is top-left based; the library flips to PDF's
// bottom-left origin (pdfY = pageH - y) when it writes content streams.
type pdfTarget struct {
	loader *Loader
	pdf    *gofpdf.Fpdf
	imp    *gofpdi.Importer
	tr     func(string) string
	images map[string]string
}

func newPDFTarget(loader *Loader) *pdfTarget {
	pdf := gofpdf.New("P", "pt", "A4", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetMargins(0, 0, 0)
	pdf.SetCompression(true)
	return &pdfTarget{
		loader: loader,
		pdf:    pdf,
		imp:    gofpdi.NewImporter(),
		tr:     pdf.UnicodeTranslatorFromDescriptor(""),
		images: map[string]string{},
	}
}

// PageCount validates a PDF and returns its page count.
func PageCount(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("read pdf: %w: %v", ErrInvalidSource, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("pdf has no pages: %w", ErrInvalidSource)
	}
	return n, nil
}

// sourcePage is one output page: its size and, for PDF sources, the imported
// template drawn underneath the fields.
type sourcePage struct {
	spec     layout.PageSpec
	template int
	imported bool
}

// sourcePages resolves the output pages. Source pages keep their own size;
// without a source, blank pages of the document source size are used.
func (t *pdfTarget) sourcePages(ctx context.Context, doc *layout.Document) ([]sourcePage, error) {
	if doc.SourceURL == "" {
		w, h := doc.SourceWidth, doc.SourceHeight
		if w <= 0 || h <= 0 {
			w, h = layout.A4WidthPt, layout.A4HeightPt
		}
		pages := make([]sourcePage, 0, doc.Pages())
		for i := 1; i <= doc.Pages(); i++ {
			pages = append(pages, sourcePage{spec: layout.PageSpec{Number: i, Width: w, Height: h}})
		}
		return pages, nil
	}

	data, err := t.loader.Fetch(ctx, doc.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("load source pdf: %w", err)
	}
	count, err := PageCount(data)
	if err != nil {
		return nil, err
	}
	return t.importPages(data, count)
}

// importPages registers every source page as a template. gofpdi panics on
// unreadable input, which is reported as ErrInvalidSource.
func (t *pdfTarget) importPages(data []byte, count int) (pages []sourcePage, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("import source pages: %w: %v", ErrInvalidSource, r)
		}
	}()

	rs := io.ReadSeeker(bytes.NewReader(data))
	pages = make([]sourcePage, 0, count)
	for i := 1; i <= count; i++ {
		tpl := t.imp.ImportPageFromStream(t.pdf, &rs, i, "/MediaBox")
		w, h := layout.A4WidthPt, layout.A4HeightPt
		if dims, ok := t.imp.GetPageSizes()[i]; ok {
			if mb, ok := dims["/MediaBox"]; ok && mb["w"] > 0 && mb["h"] > 0 {
				w, h = mb["w"], mb["h"]
			}
		}
		pages = append(pages, sourcePage{
			spec:     layout.PageSpec{Number: i, Width: w, Height: h},
			template: tpl,
			imported: true,
		})
	}
	return pages, nil
}

func (t *pdfTarget) render(ctx context.Context, doc *layout.Document, values map[string]any) (*Artifact, error) {
	pages, err := t.sourcePages(ctx, doc)
	if err != nil {
		return nil, err
	}
	specs := make([]layout.PageSpec, len(pages))
	for i, p := range pages {
		specs[i] = p.spec
	}

	// Planning happens before the first page exists, so measuring fonts
	// writes nothing into any content stream.
	plans, err := layout.PlanDocument(doc, specs, values, pdfMeasurer{t}, false)
	if err != nil {
		return nil, err
	}
	byPage := make(map[int][]layout.FieldPlan, len(pages))
	for _, plan := range plans {
		byPage[plan.Page] = append(byPage[plan.Page], plan)
	}

	for _, p := range pages {
		t.pdf.AddPageFormat("P", gofpdf.SizeType{Wd: p.spec.Width, Ht: p.spec.Height})
		if p.imported {
			t.imp.UseImportedTemplate(t.pdf, p.template, 0, 0, p.spec.Width, p.spec.Height)
		}
		for _, plan := range byPage[p.spec.Number] {
			if err := t.drawField(ctx, plan); err != nil {
				return nil, fmt.Errorf("draw field %q: %w", plan.Label, err)
			}
		}
	}

	var buf bytes.Buffer
	if err := t.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return &Artifact{Data: buf.Bytes(), ContentType: "application/pdf", Extension: "pdf", Pages: len(pages)}, nil
}

type pdfMeasurer struct{ t *pdfTarget }

func (m pdfMeasurer) TextWidth(text string, f layout.Font) float64 {
	m.t.setFont(f)
	return m.t.pdf.GetStringWidth(m.t.tr(text))
}

func (t *pdfTarget) setFont(f layout.Font) {
	style := ""
	if f.Bold {
		style = "B"
	}
	t.pdf.SetFont(pdfFamily(f.Family), style, f.Size)
}

func (t *pdfTarget) drawField(ctx context.Context, plan layout.FieldPlan) error {
	if len(plan.Ops) == 0 {
		return nil
	}
	b := plan.Bounds
	pdf := t.pdf
	if plan.Rotation != 0 {
		cx, cy := b.Center()
		pdf.TransformBegin()
		// gofpdf rotates counter-clockwise; field rotation is clockwise on screen.
		pdf.TransformRotate(-plan.Rotation, cx, cy)
		defer pdf.TransformEnd()
	}
	pdf.ClipRect(b.X, b.Y, b.W, b.H, false)
	defer pdf.ClipEnd()

	for _, op := range plan.Ops {
		var err error
		switch o := op.(type) {
		case layout.BoxOp:
			t.drawBox(b, o)
		case layout.TextOp:
			t.drawText(b, o)
		case layout.ImageOp:
			err = t.drawImage(ctx, b, o)
		case layout.LineOp:
			pdf.SetDrawColor(int(o.Color.R), int(o.Color.G), int(o.Color.B))
			pdf.SetLineWidth(o.Width)
			pdf.Line(b.X+o.X1, b.Y+o.Y1, b.X+o.X2, b.Y+o.Y2)
		default:
			err = fmt.Errorf("unsupported op %T", op)
		}
		if err != nil {
			return err
		}
	}
	return pdf.Error()
}

func (t *pdfTarget) withAlpha(a uint8, draw func()) {
	if a == 255 {
		draw()
		return
	}
	t.pdf.SetAlpha(float64(a)/255, "Normal")
	draw()
	t.pdf.SetAlpha(1, "Normal")
}

func (t *pdfTarget) drawBox(origin layout.Rect, o layout.BoxOp) {
	pdf := t.pdf
	x, y, w, h := origin.X+o.Rect.X, origin.Y+o.Rect.Y, o.Rect.W, o.Rect.H
	if o.Fill != nil {
		c := *o.Fill
		pdf.SetFillColor(int(c.R), int(c.G), int(c.B))
		t.withAlpha(c.A, func() { t.boxPath(x, y, w, h, o.Radii, "F") })
	}
	if o.Stroke != nil && o.StrokeWidth > 0 {
		c := *o.Stroke
		sw := o.StrokeWidth
		pdf.SetDrawColor(int(c.R), int(c.G), int(c.B))
		pdf.SetLineWidth(sw)
		// Inset by half the pen so the stroke stays inside the field box.
		inset := layout.Corners{
			TopLeft:     max(o.Radii.TopLeft-sw/2, 0),
			TopRight:    max(o.Radii.TopRight-sw/2, 0),
			BottomRight: max(o.Radii.BottomRight-sw/2, 0),
			BottomLeft:  max(o.Radii.BottomLeft-sw/2, 0),
		}
		t.withAlpha(c.A, func() { t.boxPath(x+sw/2, y+sw/2, w-sw, h-sw, inset, "D") })
	}
}

// boxPath draws a rectangle with independent corner radii.
func (t *pdfTarget) boxPath(x, y, w, h float64, r layout.Corners, style string) {
	pdf := t.pdf
	if r.IsZero() {
		pdf.Rect(x, y, w, h, style)
		return
	}
	limit := min(w, h) / 2
	tl, tr := min(r.TopLeft, limit), min(r.TopRight, limit)
	br, bl := min(r.BottomRight, limit), min(r.BottomLeft, limit)
	k := bezierArc

	pdf.MoveTo(x+tl, y)
	pdf.LineTo(x+w-tr, y)
	if tr > 0 {
		pdf.CurveBezierCubicTo(x+w-tr+tr*k, y, x+w, y+tr-tr*k, x+w, y+tr)
	}
	pdf.LineTo(x+w, y+h-br)
	if br > 0 {
		pdf.CurveBezierCubicTo(x+w, y+h-br+br*k, x+w-br+br*k, y+h, x+w-br, y+h)
	}
	pdf.LineTo(x+bl, y+h)
	if bl > 0 {
		pdf.CurveBezierCubicTo(x+bl-bl*k, y+h, x, y+h-bl+bl*k, x, y+h-bl)
	}
	pdf.LineTo(x, y+tl)
	if tl > 0 {
		pdf.CurveBezierCubicTo(x, y+tl-tl*k, x+tl-tl*k, y, x+tl, y)
	}
	pdf.ClosePath()
	pdf.DrawPath(style)
}

func (t *pdfTarget) drawText(origin layout.Rect, o layout.TextOp) {
	pdf := t.pdf
	if o.Clip != nil {
		pdf.ClipRect(origin.X+o.Clip.X, origin.Y+o.Clip.Y, o.Clip.W, o.Clip.H, false)
		defer pdf.ClipEnd()
	}
	t.setFont(o.Font)
	pdf.SetTextColor(int(o.Color.R), int(o.Color.G), int(o.Color.B))
	t.withAlpha(o.Color.A, func() {
		pdf.Text(origin.X+o.X, origin.Y+o.Baseline, t.tr(o.Text))
	})
}

func (t *pdfTarget) drawImage(ctx context.Context, origin layout.Rect, o layout.ImageOp) error {
	name, err := t.registerImage(ctx, o.Source)
	if err != nil {
		return err
	}
	t.pdf.ImageOptions(name, origin.X+o.Rect.X, origin.Y+o.Rect.Y, o.Rect.W, o.Rect.H,
		false, gofpdf.ImageOptions{}, 0, "")
	return nil
}

// registerImage loads src once per document. Formats gofpdf cannot embed
// (webp) are re-encoded as PNG.
func (t *pdfTarget) registerImage(ctx context.Context, src string) (string, error) {
	if name, ok := t.images[src]; ok {
		return name, nil
	}
	data, err := t.loader.Fetch(ctx, src)
	if err != nil {
		return "", err
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w: %v", ErrInvalidSource, err)
	}
	var imageType string
	switch format {
	case "png":
		imageType = "PNG"
	case "jpeg":
		imageType = "JPG"
	case "gif":
		imageType = "GIF"
	default:
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("decode image: %w: %v", ErrInvalidSource, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return "", fmt.Errorf("re-encode image: %w", err)
		}
		data, imageType = buf.Bytes(), "PNG"
	}

	sum := sha1.Sum([]byte(src))
	name := "img-" + hex.EncodeToString(sum[:8])
	t.pdf.RegisterImageOptionsReader(name, gofpdf.ImageOptions{ImageType: imageType}, bytes.NewReader(data))
	if t.pdf.Err() {
		return "", fmt.Errorf("register image: %w", t.pdf.Error())
	}
	t.images[src] = name
	return name, nil
}
