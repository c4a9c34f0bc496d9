package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Layout constants shared by the editor preview and the server renderer.
// Values are in source pixels and get multiplied by Context.Scale.
const (
	TextPadding       = 4.0
	BaselineRatio     = 0.8
	ImagePadding      = 2.0
	TableHeaderHeight = 28.0
	DefaultRowHeight  = 24.0
	TableCellPadding  = 4.0
	CellBaselineRatio = 0.35

	DefaultFontFamily     = "Helvetica"
	DefaultFontSize       = 14.0
	DefaultHeaderFontSize = 12.0
	DefaultBodyFontSize   = 11.0

	ellipsis = "…"
)

var ErrUnknownFieldType = errors.New("unknown field type")

// Font identifies a face for measuring and drawing.
type Font struct {
	Family string  `json:"family"`
	Size   float64 `json:"size"`
	Bold   bool    `json:"bold,omitempty"`
}

// Measurer reports the advance width of text, in the same units as Font.Size.
type Measurer interface {
	TextWidth(text string, font Font) float64
}

// Context is everything a field needs to be planned on one page.
type Context struct {
	// CanvasW/CanvasH are the page size in drawing units (pixels or points).
	CanvasW, CanvasH float64
	// SourceW/SourceH are the document source dimensions pixel fields were authored against.
	SourceW, SourceH float64
	// Scale converts source pixels (font sizes, paddings, borders) into drawing units.
	Scale    float64
	Value    any
	Measurer Measurer
	// Preview enables the editor behavior: ellipsis truncation and placeholders.
	Preview bool
}

func (c Context) scale() float64 {
	if c.Scale <= 0 {
		return 1
	}
	return c.Scale
}

// Op is one drawing instruction in field-local coordinates (origin at the
// field's top-left corner, before rotation).
type Op interface {
	opName() string
}

// BoxOp fills and/or strokes a (possibly rounded) rectangle.
type BoxOp struct {
	Rect        Rect    `json:"rect"`
	Fill        *Color  `json:"fill,omitempty"`
	Stroke      *Color  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"stroke_width,omitempty"`
	Radii       Corners `json:"radii"`
}

// TextOp draws a single line of text with its baseline at (X, Baseline).
// When Clip is set, glyphs outside it are not drawn.
type TextOp struct {
	X        float64 `json:"x"`
	Baseline float64 `json:"baseline"`
	Text     string  `json:"text"`
	Font     Font    `json:"font"`
	Color    Color   `json:"color"`
	Clip     *Rect   `json:"clip,omitempty"`
}

// ImageOp stretches the referenced image into Rect.
type ImageOp struct {
	Rect   Rect   `json:"rect"`
	Source string `json:"source"`
}

// LineOp draws a straight line.
type LineOp struct {
	X1    float64 `json:"x1"`
	Y1    float64 `json:"y1"`
	X2    float64 `json:"x2"`
	Y2    float64 `json:"y2"`
	Color Color   `json:"color"`
	Width float64 `json:"width"`
}

func (BoxOp) opName() string   { return "box" }
func (TextOp) opName() string  { return "text" }
func (ImageOp) opName() string { return "image" }
func (LineOp) opName() string  { return "line" }

func marshalOp(name string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf(`{"op":%q`, name)
	if len(body) <= 2 {
		return []byte(prefix + "}"), nil
	}
	return append([]byte(prefix+","), body[1:]...), nil
}

func (o BoxOp) MarshalJSON() ([]byte, error) {
	type plain BoxOp
	return marshalOp(o.opName(), plain(o))
}

func (o TextOp) MarshalJSON() ([]byte, error) {
	type plain TextOp
	return marshalOp(o.opName(), plain(o))
}

func (o ImageOp) MarshalJSON() ([]byte, error) {
	type plain ImageOp
	return marshalOp(o.opName(), plain(o))
}

func (o LineOp) MarshalJSON() ([]byte, error) {
	type plain LineOp
	return marshalOp(o.opName(), plain(o))
}

// FieldPlan is the complete drawing of one field on its page.
type FieldPlan struct {
	FieldID  string    `json:"field_id"`
	Label    string    `json:"label"`
	Type     FieldType `json:"type"`
	Page     int       `json:"page"`
	Bounds   Rect      `json:"bounds"`
	Rotation float64   `json:"rotation"`
	Ops      []Op      `json:"ops"`
}

// PageSpec is the size of one physical page in drawing units.
type PageSpec struct {
	Number int     `json:"number"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Plan computes the drawing instructions for f under ctx. The field kind is
// dispatched exhaustively; unknown kinds are an error.
func Plan(f Field, ctx Context) (FieldPlan, error) {
	bounds := PageBounds(f, ctx.SourceW, ctx.SourceH, ctx.CanvasW, ctx.CanvasH)
	plan := FieldPlan{
		FieldID:  f.ID,
		Label:    f.Label,
		Type:     f.Type,
		Page:     f.PageNumber(),
		Bounds:   bounds,
		Rotation: NormalizeDegrees(f.Rotation),
	}
	if box, ok := planBox(f, bounds, ctx.scale()); ok {
		plan.Ops = append(plan.Ops, box)
	}

	var (
		ops []Op
		err error
	)
	switch f.Type {
	case FieldText, FieldDate:
		ops = planText(f, bounds, ctx)
	case FieldImage:
		ops = planImage(bounds, ctx)
	case FieldTable:
		ops, err = planTable(f, bounds, ctx)
	default:
		return FieldPlan{}, fmt.Errorf("plan field %q: %w: %q", f.Label, ErrUnknownFieldType, f.Type)
	}
	if err != nil {
		return FieldPlan{}, fmt.Errorf("plan field %q: %w", f.Label, err)
	}
	plan.Ops = append(plan.Ops, ops...)
	return plan, nil
}

// PlanDocument plans every field of doc that lands on one of pages. Fields
// whose page is beyond len(pages) are skipped. Values are keyed by field id.
func PlanDocument(doc *Document, pages []PageSpec, values map[string]any, m Measurer, preview bool) ([]FieldPlan, error) {
	plans := make([]FieldPlan, 0, len(doc.Fields))
	for _, f := range doc.Fields {
		n := f.PageNumber()
		if n > len(pages) {
			continue
		}
		page := pages[n-1]
		scale := 1.0
		if doc.SourceWidth > 0 {
			scale = page.Width / doc.SourceWidth
		}
		p, err := Plan(f, Context{
			CanvasW:  page.Width,
			CanvasH:  page.Height,
			SourceW:  doc.SourceWidth,
			SourceH:  doc.SourceHeight,
			Scale:    scale,
			Value:    values[f.ID],
			Measurer: m,
			Preview:  preview,
		})
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func planBox(f Field, bounds Rect, scale float64) (BoxOp, bool) {
	fill, hasFill := ParseColor(f.BackgroundColor)
	stroke, hasStroke := ParseColor(f.BorderColor)
	hasStroke = hasStroke && f.BorderWidth > 0
	if !hasFill && !hasStroke {
		return BoxOp{}, false
	}
	op := BoxOp{Rect: Rect{W: bounds.W, H: bounds.H}}
	if hasFill {
		op.Fill = &fill
	}
	if hasStroke {
		op.Stroke = &stroke
		op.StrokeWidth = f.BorderWidth * scale
	}
	if f.BorderRadius != nil {
		op.Radii = Corners{
			TopLeft:     f.BorderRadius.TopLeft * scale,
			TopRight:    f.BorderRadius.TopRight * scale,
			BottomRight: f.BorderRadius.BottomRight * scale,
			BottomLeft:  f.BorderRadius.BottomLeft * scale,
		}
	}
	return op, true
}

func fieldFont(f Field, scale float64) Font {
	family := f.FontFamily
	if strings.TrimSpace(family) == "" {
		family = DefaultFontFamily
	}
	size := f.FontSize
	if size <= 0 {
		size = DefaultFontSize
	}
	return Font{Family: family, Size: size * scale, Bold: f.FontWeight == WeightBold}
}

func planText(f Field, bounds Rect, ctx Context) []Op {
	scale := ctx.scale()
	font := fieldFont(f, scale)
	color := colorOr(f.Color, Black)

	text, ok := TextValue(ctx.Value)
	if !ok {
		if !ctx.Preview {
			return nil
		}
		text = f.Placeholder
		if text == "" {
			text = f.Label
		}
		color = Muted
	}
	text = singleLine(text)
	if text == "" {
		return nil
	}

	pad := TextPadding * scale
	if ctx.Preview {
		text = Ellipsize(ctx.Measurer, text, font, bounds.W-2*pad)
	}
	tw := measure(ctx.Measurer, text, font)

	var x float64
	switch f.TextAlign {
	case AlignCenter:
		x = bounds.W/2 - tw/2
	case AlignRight:
		x = bounds.W - pad - tw
	default:
		x = pad
	}
	return []Op{TextOp{
		X:        x,
		Baseline: pad + font.Size*BaselineRatio,
		Text:     text,
		Font:     font,
		Color:    color,
	}}
}

func planImage(bounds Rect, ctx Context) []Op {
	src, _ := ctx.Value.(string)
	src = strings.TrimSpace(src)
	if src == "" {
		return nil
	}
	// The image is stretched to the padded box; aspect ratio is intentionally not preserved.
	pad := ImagePadding * ctx.scale()
	w, h := bounds.W-2*pad, bounds.H-2*pad
	if w <= 0 || h <= 0 {
		return nil
	}
	return []Op{ImageOp{Rect: Rect{X: pad, Y: pad, W: w, H: h}, Source: src}}
}

// NormalizedColumnPercents returns the displayed column widths in percent of
// the field width. When the stored widths sum to more than 100 they are all
// scaled by 100/sum, so the table never overflows its box.
func NormalizedColumnPercents(columns []Column) []float64 {
	out := make([]float64, len(columns))
	var sum float64
	for i, c := range columns {
		w := c.Width
		if w < 0 {
			w = 0
		}
		out[i] = w
		sum += w
	}
	if sum <= 100 {
		return out
	}
	scale := 100 / sum
	var acc float64
	for i := range out {
		if i == len(out)-1 {
			out[i] = 100 - acc
			break
		}
		out[i] *= scale
		acc += out[i]
	}
	return out
}

func planTable(f Field, bounds Rect, ctx Context) ([]Op, error) {
	rows, err := TableRows(ctx.Value)
	if err != nil {
		return nil, err
	}
	if f.Table == nil || len(f.Table.Columns) == 0 {
		return nil, nil
	}
	props := f.Table
	scale := ctx.scale()

	percents := NormalizedColumnPercents(props.Columns)
	xs := make([]float64, len(percents)+1)
	for i, p := range percents {
		xs[i+1] = xs[i] + p/100*bounds.W
	}

	textColor := colorOr(f.Color, Black)
	lineColor, drawGrid := ParseColor(f.BorderColor)
	lineWidth := f.BorderWidth * scale
	if lineWidth <= 0 {
		lineWidth = 1 * scale
	}
	family := f.FontFamily
	if strings.TrimSpace(family) == "" {
		family = DefaultFontFamily
	}
	cellPad := TableCellPadding * scale

	var ops []Op
	y := 0.0

	if props.ShowsHeader() {
		headerH := TableHeaderHeight * scale
		size := props.HeaderFontSize
		if size <= 0 {
			size = DefaultHeaderFontSize
		}
		font := Font{Family: family, Size: size * scale, Bold: true}
		if bg, ok := ParseColor(props.HeaderBackgroundColor); ok {
			ops = append(ops, BoxOp{Rect: Rect{W: bounds.W, H: headerH}, Fill: &bg})
		}
		color := colorOr(props.HeaderTextColor, textColor)
		for i, col := range props.Columns {
			ops = append(ops, cellText(ctx, col.Header, font, color, xs[i], xs[i+1], y, headerH, cellPad))
		}
		y += headerH
		if drawGrid {
			ops = append(ops, LineOp{X1: 0, Y1: y, X2: bounds.W, Y2: y, Color: lineColor, Width: lineWidth})
		}
	}

	rowH := props.RowHeight
	if rowH <= 0 {
		rowH = DefaultRowHeight
	}
	rowH *= scale
	bodySize := props.BodyFontSize
	if bodySize <= 0 {
		bodySize = DefaultBodyFontSize
	}
	bodyFont := Font{Family: family, Size: bodySize * scale}

	for _, row := range rows {
		if y >= bounds.H {
			break
		}
		for i, col := range props.Columns {
			text := singleLine(row[col.Key])
			if text == "" {
				continue
			}
			ops = append(ops, cellText(ctx, text, bodyFont, textColor, xs[i], xs[i+1], y, rowH, cellPad))
		}
		y += rowH
		if drawGrid && y < bounds.H {
			ops = append(ops, LineOp{X1: 0, Y1: y, X2: bounds.W, Y2: y, Color: lineColor, Width: lineWidth})
		}
	}

	if drawGrid {
		bottom := y
		if bottom > bounds.H {
			bottom = bounds.H
		}
		for _, x := range xs[1 : len(xs)-1] {
			ops = append(ops, LineOp{X1: x, Y1: 0, X2: x, Y2: bottom, Color: lineColor, Width: lineWidth})
		}
	}
	return ops, nil
}

func cellText(ctx Context, text string, font Font, color Color, left, right, top, height, pad float64) TextOp {
	if ctx.Preview {
		text = Ellipsize(ctx.Measurer, text, font, right-left-2*pad)
	}
	return TextOp{
		X:        left + pad,
		Baseline: top + height/2 + font.Size*CellBaselineRatio,
		Text:     text,
		Font:     font,
		Color:    color,
		Clip:     &Rect{X: left, Y: top, W: right - left, H: height},
	}
}

// Ellipsize shortens text with a trailing "…" until it fits maxWidth.
func Ellipsize(m Measurer, text string, font Font, maxWidth float64) string {
	if measure(m, text, font) <= maxWidth {
		return text
	}
	runes := []rune(text)
	for n := len(runes) - 1; n > 0; n-- {
		candidate := strings.TrimRight(string(runes[:n]), " ") + ellipsis
		if measure(m, candidate, font) <= maxWidth {
			return candidate
		}
	}
	if measure(m, ellipsis, font) <= maxWidth {
		return ellipsis
	}
	return ""
}

func measure(m Measurer, text string, font Font) float64 {
	if m == nil {
		// Rough average advance for Latin text.
		return float64(utf8.RuneCountInString(text)) * font.Size * 0.5
	}
	return m.TextWidth(text, font)
}

func singleLine(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
