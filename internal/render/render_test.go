package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"docforge/internal/layout"
	"docforge/internal/storage"
)

func pct(x, y, w, h float64) layout.Geometry {
	return layout.Geometry{X: x, Y: y, Width: w, Height: h, Unit: layout.UnitPercent}
}

func blankImageDoc(fields ...layout.Field) *layout.Document {
	return &layout.Document{
		ID:           7,
		EntityID:     3,
		Type:         layout.SourceImage,
		SourceWidth:  200,
		SourceHeight: 100,
		Fields:       fields,
	}
}

func pngDataURI(t *testing.T, c color.Color, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	return img
}

func isDark(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r < 0x8000 && g < 0x8000 && b < 0x8000
}

func newTestRenderer(blobs BlobReader) *Renderer {
	return NewRenderer(NewLoader(blobs, nil), nil)
}

func TestRender_ImageTextByLabel(t *testing.T) {
	doc := blankImageDoc(layout.Field{
		ID: "name", Type: layout.FieldText, Label: "Customer Name", Required: true,
		Geometry: pct(0, 0, 100, 50), Page: 1,
		Style: layout.Style{FontSize: 24, Color: "#000000"},
	})

	artifact, err := newTestRenderer(nil).Render(context.Background(), doc, map[string]any{" Customer Name ": "WWWW"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if artifact.ContentType != "image/png" || artifact.Pages != 1 {
		t.Fatalf("unexpected artifact: %s %d", artifact.ContentType, artifact.Pages)
	}
	img := decodePNG(t, artifact.Data)
	if img.Bounds().Dx() != 200 || img.Bounds().Dy() != 100 {
		t.Fatalf("canvas = %v", img.Bounds())
	}

	dark := 0
	for y := 0; y < 50; y++ {
		for x := 0; x < 200; x++ {
			if isDark(img.At(x, y)) {
				dark++
			}
		}
	}
	if dark == 0 {
		t.Fatal("expected text pixels in the field box")
	}
	for y := 60; y < 100; y++ {
		for x := 0; x < 200; x++ {
			if isDark(img.At(x, y)) {
				t.Fatalf("unexpected ink outside the field at (%d,%d)", x, y)
			}
		}
	}
}

func TestRender_RequiredGate(t *testing.T) {
	doc := blankImageDoc(
		layout.Field{ID: "a", Type: layout.FieldText, Label: "Number", Required: true, Geometry: pct(0, 0, 10, 10), Page: 1},
		layout.Field{ID: "b", Type: layout.FieldText, Label: "Notes", Geometry: pct(0, 20, 10, 10), Page: 1},
		layout.Field{ID: "c", Type: layout.FieldTable, Label: "Items", Required: true, Geometry: pct(0, 40, 10, 10), Page: 1,
			Table: &layout.TableProps{Columns: []layout.Column{{Key: "x", Width: 100}}}},
		layout.Field{ID: "d", Type: layout.FieldText, Label: "Paid", Required: true, Geometry: pct(0, 60, 10, 10), Page: 1},
	)

	_, err := newTestRenderer(nil).Render(context.Background(), doc, map[string]any{
		"Number": "",
		"Items":  []any{},
		"Paid":   false,
		"Notes":  "ok",
	})
	var missing *MissingFieldsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingFieldsError, got %v", err)
	}
	if !reflect.DeepEqual(missing.Labels, []string{"Number", "Items", "Paid"}) {
		t.Fatalf("labels = %v", missing.Labels)
	}
}

func TestRender_DuplicateLabelsRejected(t *testing.T) {
	doc := blankImageDoc(
		layout.Field{ID: "a", Type: layout.FieldText, Label: "Total", Geometry: pct(0, 0, 10, 10), Page: 1},
		layout.Field{ID: "b", Type: layout.FieldText, Label: "total", Geometry: pct(0, 20, 10, 10), Page: 1},
	)

	_, err := newTestRenderer(nil).Render(context.Background(), doc, map[string]any{"Total": "1"})
	var dup *layout.DuplicateLabelsError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateLabelsError, got %v", err)
	}
}

func TestRender_RotatedBoxStaysCentered(t *testing.T) {
	doc := blankImageDoc(layout.Field{
		ID: "box", Type: layout.FieldText, Label: "Box",
		Geometry: pct(25, 25, 50, 50), Page: 1, Rotation: 90,
		Style: layout.Style{BackgroundColor: "#ff0000"},
	})

	artifact, err := newTestRenderer(nil).Render(context.Background(), doc, nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img := decodePNG(t, artifact.Data)

	r, g, b, _ := img.At(100, 50).RGBA()
	if r < 0xf000 || g > 0x1000 || b > 0x1000 {
		t.Fatalf("center pixel not red: %d %d %d", r>>8, g>>8, b>>8)
	}
	// A 100x50 box rotated by 90 degrees spans 50px horizontally, so x=60 is outside.
	r, g, b, _ = img.At(60, 50).RGBA()
	if r != 0xffff || g != 0xffff || b != 0xffff {
		t.Fatalf("pixel outside rotated box is not white: %d %d %d", r>>8, g>>8, b>>8)
	}
}

func TestRender_ImageFieldFromDataURI(t *testing.T) {
	doc := blankImageDoc(layout.Field{
		ID: "logo", Type: layout.FieldImage, Label: "Logo", Geometry: pct(0, 0, 50, 100), Page: 1,
	})

	artifact, err := newTestRenderer(nil).Render(context.Background(), doc, map[string]any{
		"logo": pngDataURI(t, color.RGBA{B: 255, A: 255}, 4, 4),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img := decodePNG(t, artifact.Data)
	if r, _, b, _ := img.At(50, 50).RGBA(); r > 0x1000 || b < 0xf000 {
		t.Fatalf("image not stretched into the field")
	}
	if _, _, b, _ := img.At(150, 50).RGBA(); b != 0xffff {
		t.Fatal("image drawn outside its field")
	}
}

func TestRender_PDFBlankPagesSkipBeyondPageCount(t *testing.T) {
	doc := &layout.Document{
		ID: 1, EntityID: 1, Type: layout.SourcePDF,
		SourceWidth: layout.A4WidthPt, SourceHeight: layout.A4HeightPt, PageCount: 3,
		Fields: []layout.Field{
			{ID: "p1", Type: layout.FieldText, Label: "First", Geometry: pct(10, 10, 50, 5), Page: 1,
				Style: layout.Style{BackgroundColor: "#cc3300"}},
			{ID: "p3", Type: layout.FieldText, Label: "Third", Geometry: pct(10, 10, 50, 5), Page: 3, Rotation: 30,
				Style: layout.Style{BackgroundColor: "#336699"}},
			{ID: "p5", Type: layout.FieldText, Label: "Fifth", Geometry: pct(10, 10, 50, 5), Page: 5},
		},
	}

	artifact, err := newTestRenderer(nil).Render(context.Background(), doc, map[string]any{
		"First": "page one", "Third": "page three", "Fifth": "never drawn",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if artifact.ContentType != "application/pdf" || artifact.Pages != 3 {
		t.Fatalf("unexpected artifact: %s pages=%d", artifact.ContentType, artifact.Pages)
	}
	n, err := PageCount(artifact.Data)
	if err != nil {
		t.Fatalf("page count: %v", err)
	}
	if n != 3 {
		t.Fatalf("pages = %d", n)
	}

	pages := pageContents(t, artifact.Data)
	const red, blue = "0.800 0.200 0.000 rg", "0.200 0.400 0.600 rg"
	if !strings.Contains(pages[0], "(page one) Tj") || !strings.Contains(pages[0], red) {
		t.Fatalf("page 1 is missing its field:\n%s", pages[0])
	}
	if strings.Contains(pages[0], "page three") || strings.Contains(pages[0], blue) {
		t.Fatal("page 3 field drawn on page 1")
	}
	// gofpdf restores the current colors at the top of each page, so only
	// text and the first use of a color tell pages apart
	if strings.Contains(pages[1], "Tj") || strings.Contains(pages[1], blue) {
		t.Fatalf("page 2 should be blank:\n%s", pages[1])
	}
	if !strings.Contains(pages[2], "(page three) Tj") || !strings.Contains(pages[2], blue) || strings.Contains(pages[2], "page one") {
		t.Fatalf("page 3 content wrong:\n%s", pages[2])
	}
	for _, p := range pages {
		if strings.Contains(p, "never drawn") {
			t.Fatal("field beyond the page count was drawn")
		}
	}
}

// pageContents returns the decoded content stream of every page.
func pageContents(t *testing.T, data []byte) []string {
	t.Helper()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadAndValidate(bytes.NewReader(data), conf)
	if err != nil {
		t.Fatalf("read pdf: %v", err)
	}
	out := make([]string, 0, ctx.PageCount)
	for i := 1; i <= ctx.PageCount; i++ {
		r, err := pdfcpu.ExtractPageContent(ctx, i)
		if err != nil {
			t.Fatalf("page %d content: %v", i, err)
		}
		b, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("read page %d content: %v", i, err)
		}
		out = append(out, string(b))
	}
	return out
}

func TestRender_PDFOverImportedSource(t *testing.T) {
	ctx := context.Background()
	blank := &layout.Document{Type: layout.SourcePDF, SourceWidth: 300, SourceHeight: 400, PageCount: 2}
	source, err := newTestRenderer(nil).Render(ctx, blank, nil)
	if err != nil {
		t.Fatalf("render source: %v", err)
	}

	blobs := storage.NewMemory("")
	if _, err := blobs.Upload(ctx, "template-sources/1/1/source.pdf", source.Data, storage.UploadOptions{ContentType: "application/pdf"}); err != nil {
		t.Fatalf("upload source: %v", err)
	}

	doc := &layout.Document{
		ID: 1, EntityID: 1, Type: layout.SourcePDF, SourceURL: "template-sources/1/1/source.pdf",
		SourceWidth: 300, SourceHeight: 400, PageCount: 2,
		Fields: []layout.Field{
			{ID: "t", Type: layout.FieldText, Label: "Title", Geometry: pct(10, 10, 80, 10), Page: 2,
				Style: layout.Style{BorderColor: "#333333", BorderWidth: 1, BorderRadius: &layout.Corners{TopLeft: 4, BottomRight: 4}}},
			{ID: "x", Type: layout.FieldText, Label: "Gone", Geometry: pct(10, 10, 80, 10), Page: 3},
		},
	}
	artifact, err := newTestRenderer(blobs).Render(ctx, doc, map[string]any{"Title": "Über straße", "Gone": "x"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if artifact.Pages != 2 {
		t.Fatalf("pages = %d", artifact.Pages)
	}
	if n, err := PageCount(artifact.Data); err != nil || n != 2 {
		t.Fatalf("page count = %d, %v", n, err)
	}
	pages := pageContents(t, artifact.Data)
	if strings.Contains(pages[0], "Tj") {
		t.Fatalf("page 1 should only show the imported source:\n%s", pages[0])
	}
	if !strings.Contains(pages[1], "Tj") || !strings.Contains(pages[1], "0.200 G") {
		t.Fatalf("page 2 is missing the title field:\n%s", pages[1])
	}
}

func TestRender_MissingSourceObject(t *testing.T) {
	doc := blankImageDoc()
	doc.SourceURL = "template-sources/3/7/missing.png"

	_, err := newTestRenderer(storage.NewMemory("")).Render(context.Background(), doc, nil)
	if !storage.IsNoSuchKey(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestPageCount_RejectsGarbage(t *testing.T) {
	if _, err := PageCount([]byte("%PDF-1.4 nope")); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}
}

func TestResolveValues_IDWinsOverLabel(t *testing.T) {
	fields := []layout.Field{{ID: "f1", Label: "Amount"}, {ID: "f2", Label: "Date"}}

	got := ResolveValues(fields, map[string]any{
		"f1":      "by id",
		"Amount ": "by label",
		"Date":    "2024-01-01",
		"unknown": "dropped",
	})
	want := map[string]any{"f1": "by id", "f2": "2024-01-01"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resolved = %v", got)
	}

	// labels match like CSV headers: exactly, case included
	got = ResolveValues(fields, map[string]any{"AMOUNT": "1", "date": "2024-01-01"})
	if len(got) != 0 {
		t.Fatalf("case-insensitive label matched: %v", got)
	}
	got = ResolveValues(fields, map[string]any{"Date": "2024-01-01"})
	want = map[string]any{"f2": "2024-01-01"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resolved = %v", got)
	}
}

func TestPreview_PlaceholdersAndTruncation(t *testing.T) {
	doc := blankImageDoc(
		layout.Field{ID: "a", Type: layout.FieldText, Label: "Name", Geometry: pct(0, 0, 10, 10), Page: 1},
		layout.Field{ID: "b", Type: layout.FieldText, Label: "Long", Geometry: pct(0, 50, 20, 10), Page: 1},
	)

	res, err := Preview(doc, map[string]any{"Long": strings.Repeat("m", 100)}, 400)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(res.Pages) != 1 || res.Pages[0].Width != 400 || res.Pages[0].Height != 200 {
		t.Fatalf("pages = %+v", res.Pages)
	}
	first := res.Fields[0].Ops[0].(layout.TextOp)
	if first.Text != "Name" || first.Color != layout.Muted {
		t.Fatalf("placeholder op = %+v", first)
	}
	long := res.Fields[1].Ops[0].(layout.TextOp)
	if !strings.HasSuffix(long.Text, "…") {
		t.Fatalf("long text not truncated: %q", long.Text)
	}
}

type fakeEvents struct {
	mu     sync.Mutex
	events []GenerationEvent
}

func (f *fakeEvents) RecordGeneration(_ context.Context, ev GenerationEvent) (uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return uint(len(f.events)), nil
}

func TestGenerator_UploadsAndRecords(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemory("https://blobs.example.invalid")
	events := &fakeEvents{}
	gen := NewGenerator(newTestRenderer(blobs), blobs, events, nil)

	doc := blankImageDoc(layout.Field{ID: "a", Type: layout.FieldText, Label: "A", Geometry: pct(0, 0, 50, 50), Page: 1})
	out, err := gen.Generate(ctx, GenerateRequest{Document: doc, Values: map[string]any{"A": "x"}, Origin: OriginBulk, JobID: 11})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(out.ObjectKey, "generated/3/7/") || !strings.HasSuffix(out.ObjectKey, ".png") {
		t.Fatalf("object key = %q", out.ObjectKey)
	}
	if out.URL != "https://blobs.example.invalid/"+out.ObjectKey || out.EventID != 1 {
		t.Fatalf("unexpected result: %+v", out)
	}
	if blobs.ContentType(out.ObjectKey) != "image/png" {
		t.Fatalf("stored content type = %q", blobs.ContentType(out.ObjectKey))
	}
	if len(events.events) != 1 || events.events[0].JobID != 11 || events.events[0].Origin != OriginBulk {
		t.Fatalf("events = %+v", events.events)
	}
}
