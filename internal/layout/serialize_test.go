package layout

import (
	"reflect"
	"testing"
)

func sampleFields() []Field {
	show := false
	return []Field{
		{
			ID:       "f-1",
			Type:     FieldText,
			Label:    "Invoice Number",
			Required: true,
			Geometry: Geometry{X: 10, Y: 10, Width: 30, Height: 4, Unit: UnitPercent},
			Page:     1,
			Rotation: 15,
			Style: Style{
				FontFamily:   "Helvetica",
				FontSize:     12,
				FontWeight:   WeightBold,
				TextAlign:    AlignRight,
				Color:        "#112233",
				BorderRadius: &Corners{TopLeft: 4, BottomRight: 2},
			},
		},
		{
			ID:       "f-2",
			Type:     FieldTable,
			Label:    "Items",
			Geometry: Geometry{X: 20, Y: 300, Width: 400, Height: 200, Unit: UnitPixel},
			Page:     2,
			Table: &TableProps{
				Columns:         []Column{{ID: "c1", Header: "Name", Key: "name", Width: 70}, {ID: "c2", Header: "Qty", Key: "qty", Width: 30}},
				RowHeight:       20,
				ShowTableHeader: &show,
			},
		},
	}
}

func TestSerializeParse_RoundTrip(t *testing.T) {
	fields := sampleFields()

	content, err := Serialize(fields)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got := Parse(content)
	if !reflect.DeepEqual(got, fields) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, fields)
	}
}

func TestSerialize_NilIsEmptyList(t *testing.T) {
	content, err := Serialize(nil)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if content != "[]" {
		t.Fatalf("content = %q, want []", content)
	}
}

func TestParse_DegenerateContentYieldsEmptyList(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"null",
		"{not json",
		`{"layout":"legacy"}`,
		`{"fields":"nope"}`,
		`"just a string"`,
		"42",
	}
	for _, in := range inputs {
		got := Parse(in)
		if got == nil || len(got) != 0 {
			t.Errorf("Parse(%q) = %#v, want empty non-nil list", in, got)
		}
	}
}

func TestParse_DropsInvalidElementsIndividually(t *testing.T) {
	content := `[{"id":"a","type":"text","label":"A","unit":"percent","width":1,"height":1,"page":1}, 7, "x", null, {"id":"b","type":"date","label":"B","page":0}]`

	got := Parse(content)
	if len(got) != 2 {
		t.Fatalf("expected 2 fields, got %d: %#v", len(got), got)
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected ids: %q %q", got[0].ID, got[1].ID)
	}
	if got[1].Page != 1 || got[1].Unit != UnitPercent {
		t.Fatalf("expected defaults on second field, got page=%d unit=%q", got[1].Page, got[1].Unit)
	}
}

func TestParse_AcceptsFieldsWrapper(t *testing.T) {
	got := Parse(`{"version":2,"fields":[{"id":"a","type":"image","label":"Logo"}]}`)
	if len(got) != 1 || got[0].Type != FieldImage {
		t.Fatalf("unexpected result: %#v", got)
	}
}
