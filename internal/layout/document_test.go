package layout

import (
	"errors"
	"testing"
)

func TestDocument_DuplicateFieldMakesLabelUnique(t *testing.T) {
	doc := &Document{}
	src := doc.AddField(Field{Type: FieldText, Label: "Name", Geometry: Geometry{X: 10, Y: 10, Width: 20, Height: 5}})
	if src.ID == "" || src.Unit != UnitPercent || src.Page != 1 {
		t.Fatalf("AddField defaults not applied: %+v", src)
	}

	first, err := doc.DuplicateField(src.ID)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	second, err := doc.DuplicateField(src.ID)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}

	if first.ID == src.ID || second.ID == first.ID {
		t.Fatal("duplicates must get fresh ids")
	}
	if first.Label != "Name copy" || second.Label != "Name copy 2" {
		t.Fatalf("labels = %q, %q", first.Label, second.Label)
	}
	if first.X != 12 || first.Y != 12 {
		t.Fatalf("duplicate not offset: %+v", first.Geometry)
	}
	if err := Strict(doc.Fields); err != nil {
		t.Fatalf("duplicated document should stay valid: %v", err)
	}
}

func TestDocument_UpdateAndDelete(t *testing.T) {
	doc := &Document{}
	f := doc.AddField(Field{Type: FieldDate, Label: "Due", Geometry: Geometry{Width: 1, Height: 1}})

	f.Label = "Due date"
	if err := doc.UpdateField(f); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := doc.FieldByID(f.ID)
	if got.Label != "Due date" {
		t.Fatalf("label = %q", got.Label)
	}

	if err := doc.DeleteField(f.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := doc.DeleteField(f.ID); !errors.Is(err, ErrFieldNotFound) {
		t.Fatalf("expected ErrFieldNotFound, got %v", err)
	}
}

func TestDocument_Pages(t *testing.T) {
	if n := (&Document{Type: SourceImage, PageCount: 4}).Pages(); n != 1 {
		t.Fatalf("image documents have one page, got %d", n)
	}
	if n := (&Document{Type: SourcePDF, PageCount: 3}).Pages(); n != 3 {
		t.Fatalf("pages = %d", n)
	}
}

func TestStandardDocument_IsStrictValid(t *testing.T) {
	doc := StandardDocument()
	if err := Strict(doc.Fields); err != nil {
		t.Fatalf("standard layout invalid: %v", err)
	}
	var required []string
	for _, f := range doc.Fields {
		if f.Required {
			required = append(required, f.Label)
		}
	}
	if len(required) != 2 {
		t.Fatalf("required = %v", required)
	}
}
