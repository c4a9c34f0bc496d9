package layout

import "math"

// Unit is the unit of a field's geometry values.
type Unit string

const (
	UnitPercent Unit = "percent"
	UnitPixel   Unit = "px"
)

// Valid reports whether u is one of the known units.
func (u Unit) Valid() bool {
	return u == UnitPercent || u == UnitPixel
}

// Rect is an axis-aligned box in pixel (or page point) space, origin top-left.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the midpoint of r.
func (r Rect) Center() (float64, float64) {
	return r.X + r.W/2, r.Y + r.H/2
}

// Geometry holds the four position numbers of a field, all in Unit.
type Geometry struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Unit   Unit    `json:"unit"`
}

func percentToPx(pct, dim float64) float64 {
	return pct / 100 * dim
}

func pxToPercent(px, dim float64) float64 {
	if dim == 0 {
		return 0
	}
	return px / dim * 100
}

// ToPixels converts the field geometry into pixel bounds for a canvas of
// canvasW x canvasH. Pixel-unit fields are returned unchanged.
func ToPixels(f Field, canvasW, canvasH float64) Rect {
	g := f.Geometry
	if g.Unit == UnitPixel {
		return Rect{X: g.X, Y: g.Y, W: g.Width, H: g.Height}
	}
	return Rect{
		X: percentToPx(g.X, canvasW),
		Y: percentToPx(g.Y, canvasH),
		W: percentToPx(g.Width, canvasW),
		H: percentToPx(g.Height, canvasH),
	}
}

// ToUnit returns a copy of f whose geometry is expressed in target.
// The conversion is idempotent when f is already in target.
func ToUnit(f Field, target Unit, canvasW, canvasH float64) Field {
	out := f.Clone()
	if f.Geometry.Unit == target {
		return out
	}
	out.Geometry = geometryFromRect(ToPixels(f, canvasW, canvasH), target, canvasW, canvasH)
	return out
}

func geometryFromRect(r Rect, unit Unit, canvasW, canvasH float64) Geometry {
	if unit == UnitPixel {
		return Geometry{X: r.X, Y: r.Y, Width: r.W, Height: r.H, Unit: UnitPixel}
	}
	return Geometry{
		X:      pxToPercent(r.X, canvasW),
		Y:      pxToPercent(r.Y, canvasH),
		Width:  pxToPercent(r.W, canvasW),
		Height: pxToPercent(r.H, canvasH),
		Unit:   UnitPercent,
	}
}

// PageBounds maps a field onto a page of pageW x pageH. Percent fields use the
// page's own size; pixel fields were authored against the document source
// canvas (sourceW x sourceH) and are rescaled to the page.
func PageBounds(f Field, sourceW, sourceH, pageW, pageH float64) Rect {
	if f.Geometry.Unit == UnitPixel && sourceW > 0 && sourceH > 0 {
		pct := ToUnit(f, UnitPercent, sourceW, sourceH)
		return ToPixels(pct, pageW, pageH)
	}
	return ToPixels(f, pageW, pageH)
}

// NormalizeDegrees folds deg into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg == 360 {
		return 0
	}
	return deg
}
