package layout

import (
	"fmt"
	"math"
	"strings"
)

const (
	// MinFieldSize is the smallest width/height, in canvas pixels, a resize may produce.
	MinFieldSize = 20.0
	// MinColumnWidth is the smallest table column width in percent of the field width.
	MinColumnWidth = 5.0
)

// Handle names a resize handle by compass direction: n, s, e, w, ne, nw, se, sw.
type Handle string

const (
	HandleN  Handle = "n"
	HandleS  Handle = "s"
	HandleE  Handle = "e"
	HandleW  Handle = "w"
	HandleNE Handle = "ne"
	HandleNW Handle = "nw"
	HandleSE Handle = "se"
	HandleSW Handle = "sw"
)

// Gesture holds the pixel snapshot of a field taken when a drag, resize or
// rotate starts. Every intermediate position is computed from this snapshot
// and only the final rect is converted back into the field's unit.
type Gesture struct {
	start   Rect
	canvasW float64
	canvasH float64
}

// BeginGesture snapshots f on a canvas of canvasW x canvasH pixels.
func BeginGesture(f Field, canvasW, canvasH float64) Gesture {
	return Gesture{start: ToPixels(f, canvasW, canvasH), canvasW: canvasW, canvasH: canvasH}
}

// Start returns the snapshot bounds.
func (g Gesture) Start() Rect { return g.start }

// Drag moves the snapshot by (dx, dy), keeping the field on the canvas.
func (g Gesture) Drag(dx, dy float64) Rect {
	r := g.start
	r.X = clamp(r.X+dx, 0, g.canvasW-r.W)
	r.Y = clamp(r.Y+dy, 0, g.canvasH-r.H)
	return r
}

// Resize moves the edges named by h by (dx, dy). Width and height never drop
// below MinFieldSize and no edge leaves the canvas.
func (g Gesture) Resize(h Handle, dx, dy float64) Rect {
	left, top := g.start.X, g.start.Y
	right, bottom := left+g.start.W, top+g.start.H
	dir := string(h)

	if strings.Contains(dir, "e") {
		right = clamp(right+dx, left+MinFieldSize, g.canvasW)
	}
	if strings.Contains(dir, "w") {
		left = clamp(left+dx, 0, right-MinFieldSize)
	}
	if strings.Contains(dir, "s") {
		bottom = clamp(bottom+dy, top+MinFieldSize, g.canvasH)
	}
	if strings.Contains(dir, "n") {
		top = clamp(top+dy, 0, bottom-MinFieldSize)
	}
	return Rect{X: left, Y: top, W: right - left, H: bottom - top}
}

// Rotate returns the rotation, in degrees within [0, 360), that points the
// rotate handle (drawn above the field) at the pointer position.
func (g Gesture) Rotate(pointerX, pointerY float64) float64 {
	cx, cy := g.start.Center()
	deg := math.Atan2(pointerY-cy, pointerX-cx) * 180 / math.Pi
	return NormalizeDegrees(deg + 90)
}

// Apply writes r back into a copy of f, in f's own unit.
func (g Gesture) Apply(f Field, r Rect) Field {
	out := f.Clone()
	unit := f.Unit
	if !unit.Valid() {
		unit = UnitPercent
	}
	out.Geometry = geometryFromRect(r, unit, g.canvasW, g.canvasH)
	return out
}

// SnapRotation rounds deg to the nearest multiple of step.
func SnapRotation(deg, step float64) float64 {
	if step <= 0 {
		return NormalizeDegrees(deg)
	}
	return NormalizeDegrees(math.Round(deg/step) * step)
}

// ResizeColumns shifts deltaPercent of width from column index+1 to column
// index (negative deltas shift the other way). Only the two adjacent columns
// change, their combined width is preserved and both stay at or above
// MinColumnWidth.
func ResizeColumns(columns []Column, index int, deltaPercent float64) ([]Column, error) {
	if index < 0 || index+1 >= len(columns) {
		return nil, fmt.Errorf("resize columns: index %d out of range for %d columns", index, len(columns))
	}
	out := append([]Column(nil), columns...)
	a, b := out[index].Width, out[index+1].Width
	pair := a + b
	if pair < 2*MinColumnWidth {
		return out, nil
	}
	newA := clamp(a+deltaPercent, MinColumnWidth, pair-MinColumnWidth)
	out[index].Width = newA
	out[index+1].Width = pair - newA
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
