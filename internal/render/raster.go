package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/math/fixed"

	"docforge/internal/layout"
)

// rasterTarget composites field plans onto a single bitmap page.
type rasterTarget struct {
	loader *Loader
	faces  *FaceSet
	images map[string]image.Image
}

func newRasterTarget(loader *Loader) *rasterTarget {
	return &rasterTarget{loader: loader, faces: NewFaceSet(), images: map[string]image.Image{}}
}

// canvas decodes the source image or allocates a blank white page of the
// document's source size.
func (t *rasterTarget) canvas(ctx context.Context, doc *layout.Document) (*image.RGBA, error) {
	if doc.SourceURL == "" {
		w, h := int(math.Round(doc.SourceWidth)), int(math.Round(doc.SourceHeight))
		if w <= 0 || h <= 0 {
			return nil, fmt.Errorf("blank canvas %dx%d: %w", w, h, ErrInvalidSource)
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
		return dst, nil
	}
	src, _, err := t.loader.Image(ctx, doc.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("load source image: %w", err)
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst, nil
}

func (t *rasterTarget) render(ctx context.Context, doc *layout.Document, values map[string]any) (*Artifact, error) {
	defer t.faces.Close()

	dst, err := t.canvas(ctx, doc)
	if err != nil {
		return nil, err
	}
	page := layout.PageSpec{Number: 1, Width: float64(dst.Bounds().Dx()), Height: float64(dst.Bounds().Dy())}

	plans, err := layout.PlanDocument(doc, []layout.PageSpec{page}, values, t.faces, false)
	if err != nil {
		return nil, err
	}
	for _, plan := range plans {
		if err := t.drawField(ctx, dst, plan); err != nil {
			return nil, fmt.Errorf("draw field %q: %w", plan.Label, err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return &Artifact{Data: buf.Bytes(), ContentType: "image/png", Extension: "png", Pages: 1}, nil
}

// drawField paints the plan onto a field-sized tile, then composites the tile
// at the field position, rotated about the field center.
func (t *rasterTarget) drawField(ctx context.Context, dst *image.RGBA, plan layout.FieldPlan) error {
	w, h := int(math.Ceil(plan.Bounds.W)), int(math.Ceil(plan.Bounds.H))
	if w <= 0 || h <= 0 || len(plan.Ops) == 0 {
		return nil
	}
	tile := image.NewRGBA(image.Rect(0, 0, w, h))
	for _, op := range plan.Ops {
		if err := t.drawOp(ctx, tile, op); err != nil {
			return err
		}
	}

	if plan.Rotation == 0 {
		at := image.Pt(int(math.Round(plan.Bounds.X)), int(math.Round(plan.Bounds.Y)))
		draw.Draw(dst, tile.Bounds().Add(at), tile, image.Point{}, draw.Over)
		return nil
	}

	rad := plan.Rotation * math.Pi / 180
	sin, cos := math.Sincos(rad)
	cx, cy := plan.Bounds.Center()
	tcx, tcy := plan.Bounds.W/2, plan.Bounds.H/2
	s2d := f64.Aff3{
		cos, -sin, cx - cos*tcx + sin*tcy,
		sin, cos, cy - sin*tcx - cos*tcy,
	}
	xdraw.BiLinear.Transform(dst, s2d, tile, tile.Bounds(), xdraw.Over, nil)
	return nil
}

func (t *rasterTarget) drawOp(ctx context.Context, tile *image.RGBA, op layout.Op) error {
	switch o := op.(type) {
	case layout.BoxOp:
		drawBox(tile, o)
	case layout.TextOp:
		return t.drawText(tile, o)
	case layout.ImageOp:
		return t.drawImage(ctx, tile, o)
	case layout.LineOp:
		drawLine(tile, o)
	default:
		return fmt.Errorf("unsupported op %T", op)
	}
	return nil
}

func rgba(c layout.Color) color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: c.A}
}

func (t *rasterTarget) drawText(tile *image.RGBA, o layout.TextOp) error {
	face, err := t.faces.Face(o.Font)
	if err != nil {
		return err
	}
	var dst draw.Image = tile
	if o.Clip != nil {
		dst = tile.SubImage(rectToImage(*o.Clip)).(*image.RGBA)
	}
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(rgba(o.Color)),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.Int26_6(o.X * 64), Y: fixed.Int26_6(o.Baseline * 64)},
	}
	d.DrawString(o.Text)
	return nil
}

func (t *rasterTarget) drawImage(ctx context.Context, tile *image.RGBA, o layout.ImageOp) error {
	img, ok := t.images[o.Source]
	if !ok {
		loaded, _, err := t.loader.Image(ctx, o.Source)
		if err != nil {
			return err
		}
		img = loaded
		t.images[o.Source] = img
	}
	xdraw.BiLinear.Scale(tile, rectToImage(o.Rect), img, img.Bounds(), xdraw.Over, nil)
	return nil
}

func rectToImage(r layout.Rect) image.Rectangle {
	return image.Rect(
		int(math.Floor(r.X)), int(math.Floor(r.Y)),
		int(math.Ceil(r.X+r.W)), int(math.Ceil(r.Y+r.H)),
	)
}

// drawBox fills and strokes a rounded rectangle by sampling pixel centers.
func drawBox(tile *image.RGBA, o layout.BoxOp) {
	bounds := rectToImage(o.Rect).Intersect(tile.Bounds())
	if bounds.Empty() {
		return
	}
	fill := image.NewAlpha(tile.Bounds())
	stroke := image.NewAlpha(tile.Bounds())
	sw := o.StrokeWidth
	inner := layout.Rect{X: o.Rect.X + sw, Y: o.Rect.Y + sw, W: o.Rect.W - 2*sw, H: o.Rect.H - 2*sw}
	innerRadii := layout.Corners{
		TopLeft:     math.Max(o.Radii.TopLeft-sw, 0),
		TopRight:    math.Max(o.Radii.TopRight-sw, 0),
		BottomRight: math.Max(o.Radii.BottomRight-sw, 0),
		BottomLeft:  math.Max(o.Radii.BottomLeft-sw, 0),
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			px, py := float64(x)+0.5, float64(y)+0.5
			if !insideRounded(px, py, o.Rect, o.Radii) {
				continue
			}
			if o.Fill != nil {
				fill.SetAlpha(x, y, color.Alpha{A: 255})
			}
			if o.Stroke != nil && sw > 0 && !insideRounded(px, py, inner, innerRadii) {
				stroke.SetAlpha(x, y, color.Alpha{A: 255})
			}
		}
	}
	if o.Fill != nil {
		draw.DrawMask(tile, bounds, image.NewUniform(rgba(*o.Fill)), image.Point{}, fill, bounds.Min, draw.Over)
	}
	if o.Stroke != nil && sw > 0 {
		draw.DrawMask(tile, bounds, image.NewUniform(rgba(*o.Stroke)), image.Point{}, stroke, bounds.Min, draw.Over)
	}
}

func insideRounded(px, py float64, r layout.Rect, radii layout.Corners) bool {
	if r.W <= 0 || r.H <= 0 || px < r.X || py < r.Y || px > r.X+r.W || py > r.Y+r.H {
		return false
	}
	limit := math.Min(r.W, r.H) / 2
	corner := func(cx, cy, rad float64) bool {
		dx, dy := px-cx, py-cy
		return dx*dx+dy*dy <= rad*rad
	}
	if rad := math.Min(radii.TopLeft, limit); rad > 0 && px < r.X+rad && py < r.Y+rad {
		return corner(r.X+rad, r.Y+rad, rad)
	}
	if rad := math.Min(radii.TopRight, limit); rad > 0 && px > r.X+r.W-rad && py < r.Y+rad {
		return corner(r.X+r.W-rad, r.Y+rad, rad)
	}
	if rad := math.Min(radii.BottomRight, limit); rad > 0 && px > r.X+r.W-rad && py > r.Y+r.H-rad {
		return corner(r.X+r.W-rad, r.Y+r.H-rad, rad)
	}
	if rad := math.Min(radii.BottomLeft, limit); rad > 0 && px < r.X+rad && py > r.Y+r.H-rad {
		return corner(r.X+rad, r.Y+r.H-rad, rad)
	}
	return true
}

// drawLine stamps a square pen along the segment.
func drawLine(tile *image.RGBA, o layout.LineOp) {
	w := math.Max(o.Width, 1)
	src := image.NewUniform(rgba(o.Color))
	if o.X1 == o.X2 || o.Y1 == o.Y2 {
		r := layout.Rect{
			X: math.Min(o.X1, o.X2) - w/2,
			Y: math.Min(o.Y1, o.Y2) - w/2,
			W: math.Abs(o.X2-o.X1) + w,
			H: math.Abs(o.Y2-o.Y1) + w,
		}
		if o.Y1 == o.Y2 {
			r.X, r.W = math.Min(o.X1, o.X2), math.Abs(o.X2-o.X1)
		} else {
			r.Y, r.H = math.Min(o.Y1, o.Y2), math.Abs(o.Y2-o.Y1)
		}
		draw.Draw(tile, rectToImage(r).Intersect(tile.Bounds()), src, image.Point{}, draw.Over)
		return
	}
	length := math.Hypot(o.X2-o.X1, o.Y2-o.Y1)
	steps := int(math.Ceil(length * 2))
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		x := o.X1 + (o.X2-o.X1)*f
		y := o.Y1 + (o.Y2-o.Y1)*f
		pen := rectToImage(layout.Rect{X: x - w/2, Y: y - w/2, W: w, H: w}).Intersect(tile.Bounds())
		draw.Draw(tile, pen, src, image.Point{}, draw.Over)
	}
}
