package layout

import "strings"

// FieldType is the closed set of field kinds a template can carry.
type FieldType string

const (
	FieldText  FieldType = "text"
	FieldImage FieldType = "image"
	FieldDate  FieldType = "date"
	FieldTable FieldType = "table"
)

// Valid reports whether t is a known field kind.
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldImage, FieldDate, FieldTable:
		return true
	}
	return false
}

type FontWeight string

const (
	WeightNormal FontWeight = "normal"
	WeightBold   FontWeight = "bold"
)

type Align string

const (
	AlignLeft   Align = "left"
	AlignCenter Align = "center"
	AlignRight  Align = "right"
)

// Corners holds a per-corner border radius in source pixels.
type Corners struct {
	TopLeft     float64 `json:"topLeft"`
	TopRight    float64 `json:"topRight"`
	BottomRight float64 `json:"bottomRight"`
	BottomLeft  float64 `json:"bottomLeft"`
}

// IsZero reports whether every corner is square.
func (c Corners) IsZero() bool {
	return c.TopLeft == 0 && c.TopRight == 0 && c.BottomRight == 0 && c.BottomLeft == 0
}

// Style holds the styling shared by every field type. Font settings only
// apply to text-like fields.
type Style struct {
	FontFamily      string     `json:"fontFamily,omitempty"`
	FontSize        float64    `json:"fontSize,omitempty"`
	FontWeight      FontWeight `json:"fontWeight,omitempty"`
	TextAlign       Align      `json:"textAlign,omitempty"`
	Color           string     `json:"color,omitempty"`
	BackgroundColor string     `json:"backgroundColor,omitempty"`
	BorderColor     string     `json:"borderColor,omitempty"`
	BorderWidth     float64    `json:"borderWidth,omitempty"`
	BorderRadius    *Corners   `json:"borderRadius,omitempty"`
}

// Column describes one table column; Width is a percentage of the field width.
type Column struct {
	ID     string  `json:"id"`
	Header string  `json:"header"`
	Key    string  `json:"key"`
	Width  float64 `json:"width"`
}

// TableProps carries the table-only properties of a field.
type TableProps struct {
	Columns               []Column `json:"columns"`
	RowHeight             float64  `json:"rowHeight,omitempty"`
	ShowTableHeader       *bool    `json:"showTableHeader,omitempty"`
	HeaderBackgroundColor string   `json:"headerBackgroundColor,omitempty"`
	HeaderTextColor       string   `json:"headerTextColor,omitempty"`
	HeaderFontSize        float64  `json:"headerFontSize,omitempty"`
	BodyFontSize          float64  `json:"bodyFontSize,omitempty"`
}

// ShowsHeader reports whether the header row is drawn. Unset means shown.
func (t *TableProps) ShowsHeader() bool {
	if t == nil || t.ShowTableHeader == nil {
		return true
	}
	return *t.ShowTableHeader
}

// Field is a single positioned, typed placeholder on a template.
type Field struct {
	ID          string    `json:"id"`
	Type        FieldType `json:"type"`
	Label       string    `json:"label"`
	Required    bool      `json:"required,omitempty"`
	Placeholder string    `json:"placeholder,omitempty"`
	Geometry
	Page     int     `json:"page"`
	Rotation float64 `json:"rotation,omitempty"`
	Style
	Table *TableProps `json:"table,omitempty"`
}

// PageNumber returns the 1-indexed page the field belongs to.
func (f Field) PageNumber() int {
	if f.Page < 1 {
		return 1
	}
	return f.Page
}

// LabelKey is the normalized form used for label uniqueness checks.
func (f Field) LabelKey() string {
	return labelKey(f.Label)
}

func labelKey(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// Clone returns a deep copy of f.
func (f Field) Clone() Field {
	out := f
	if f.BorderRadius != nil {
		radius := *f.BorderRadius
		out.BorderRadius = &radius
	}
	if f.Table != nil {
		table := *f.Table
		if f.Table.Columns != nil {
			table.Columns = append([]Column(nil), f.Table.Columns...)
		}
		if f.Table.ShowTableHeader != nil {
			show := *f.Table.ShowTableHeader
			table.ShowTableHeader = &show
		}
		out.Table = &table
	}
	return out
}

func cloneFields(fields []Field) []Field {
	if fields == nil {
		return nil
	}
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = f.Clone()
	}
	return out
}
