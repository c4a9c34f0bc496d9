package layout

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceType is the kind of background a template is drawn over.
type SourceType string

const (
	SourceImage SourceType = "image"
	SourcePDF   SourceType = "pdf"
)

// A4 page size in PDF points, used for blank PDF layouts.
const (
	A4WidthPt  = 595.28
	A4HeightPt = 841.89
)

var ErrFieldNotFound = errors.New("field not found")

// Document is a source artifact plus its ordered set of fields. Field order is
// the z-order used when drawing.
type Document struct {
	ID           uint       `json:"id"`
	EntityID     uint       `json:"entity_id"`
	Name         string     `json:"name"`
	Type         SourceType `json:"type"`
	SourceURL    string     `json:"source_url,omitempty"`
	SourceWidth  float64    `json:"source_width"`
	SourceHeight float64    `json:"source_height"`
	PageCount    int        `json:"page_count"`
	Fields       []Field    `json:"fields"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Pages returns the number of pages fields may be placed on.
func (d *Document) Pages() int {
	if d.Type != SourcePDF || d.PageCount < 1 {
		return 1
	}
	return d.PageCount
}

// FieldByID returns the field with the given id.
func (d *Document) FieldByID(id string) (Field, bool) {
	for _, f := range d.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// FieldsOnPage returns the fields assigned to page n, in z-order.
func (d *Document) FieldsOnPage(n int) []Field {
	var out []Field
	for _, f := range d.Fields {
		if f.PageNumber() == n {
			out = append(out, f)
		}
	}
	return out
}

// AddField appends f, assigning an id when empty, and returns the stored copy.
func (d *Document) AddField(f Field) Field {
	if strings.TrimSpace(f.ID) == "" {
		f.ID = uuid.NewString()
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Unit == "" {
		f.Unit = UnitPercent
	}
	d.Fields = append(d.Fields, f.Clone())
	return f
}

// UpdateField replaces the field carrying f.ID.
func (d *Document) UpdateField(f Field) error {
	for i := range d.Fields {
		if d.Fields[i].ID == f.ID {
			d.Fields[i] = f.Clone()
			return nil
		}
	}
	return fmt.Errorf("update %q: %w", f.ID, ErrFieldNotFound)
}

// DeleteField removes the field with the given id.
func (d *Document) DeleteField(id string) error {
	for i := range d.Fields {
		if d.Fields[i].ID == id {
			d.Fields = append(d.Fields[:i], d.Fields[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("delete %q: %w", id, ErrFieldNotFound)
}

// DuplicateField copies the field with the given id under a new id, nudged
// down-right and relabelled so labels stay unique.
func (d *Document) DuplicateField(id string) (Field, error) {
	src, ok := d.FieldByID(id)
	if !ok {
		return Field{}, fmt.Errorf("duplicate %q: %w", id, ErrFieldNotFound)
	}
	dup := src.Clone()
	dup.ID = uuid.NewString()
	dup.Label = d.uniqueLabel(src.Label + " copy")
	offset := 10.0
	if dup.Unit == UnitPercent {
		offset = 2
	}
	dup.X += offset
	dup.Y += offset
	d.Fields = append(d.Fields, dup)
	return dup.Clone(), nil
}

func (d *Document) uniqueLabel(base string) string {
	taken := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		taken[f.LabelKey()] = struct{}{}
	}
	if _, ok := taken[labelKey(base)]; !ok {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s %d", base, n)
		if _, ok := taken[labelKey(candidate)]; !ok {
			return candidate
		}
	}
}

// StandardDocument is the built-in invoice layout used by bulk generation when
// no template is chosen. It renders on a blank A4 page.
func StandardDocument() *Document {
	show := true
	field := func(id, label string, typ FieldType, required bool, x, y, w, h float64) Field {
		return Field{
			ID:       id,
			Type:     typ,
			Label:    label,
			Required: required,
			Geometry: Geometry{X: x, Y: y, Width: w, Height: h, Unit: UnitPercent},
			Page:     1,
			Style:    Style{FontFamily: "Helvetica", FontSize: 11, TextAlign: AlignLeft, Color: "#1f2933"},
		}
	}

	title := field("std-title", "Title", FieldText, false, 8, 5, 84, 5)
	title.FontSize = 20
	title.FontWeight = WeightBold
	title.Placeholder = "INVOICE"

	number := field("std-number", "Invoice Number", FieldText, true, 8, 12, 40, 3)
	date := field("std-date", "Date", FieldDate, false, 52, 12, 40, 3)
	date.TextAlign = AlignRight
	supplier := field("std-supplier", "Supplier", FieldText, false, 8, 17, 84, 3)
	description := field("std-description", "Description", FieldText, false, 8, 22, 84, 3)

	items := field("std-items", "Items", FieldTable, false, 8, 28, 84, 50)
	items.BorderColor = "#cbd2d9"
	items.BorderWidth = 1
	items.Table = &TableProps{
		Columns: []Column{
			{ID: "c-desc", Header: "Description", Key: "description", Width: 55},
			{ID: "c-qty", Header: "Qty", Key: "quantity", Width: 15},
			{ID: "c-price", Header: "Price", Key: "price", Width: 15},
			{ID: "c-total", Header: "Total", Key: "total", Width: 15},
		},
		RowHeight:             22,
		ShowTableHeader:       &show,
		HeaderBackgroundColor: "#e4e7eb",
		HeaderTextColor:       "#1f2933",
		HeaderFontSize:        11,
		BodyFontSize:          10,
	}

	amount := field("std-amount", "Amount", FieldText, true, 52, 80, 40, 4)
	amount.TextAlign = AlignRight
	amount.FontSize = 14
	amount.FontWeight = WeightBold

	return &Document{
		Name:         "Standard invoice",
		Type:         SourcePDF,
		SourceWidth:  A4WidthPt,
		SourceHeight: A4HeightPt,
		PageCount:    1,
		Fields:       []Field{title, number, date, supplier, description, items, amount},
	}
}
