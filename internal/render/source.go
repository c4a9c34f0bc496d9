package render

import (
	"bytes"
	"fmt"
	"image"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"docforge/internal/layout"
)

// SourceInfo describes an uploaded template source.
type SourceInfo struct {
	Type        layout.SourceType
	Format      string
	ContentType string
	Width       float64
	Height      float64
	PageCount   int
}

// InspectSource identifies a PDF or raster image and reads its dimensions:
// pixels for images, first-page points for PDFs.
func InspectSource(data []byte) (SourceInfo, error) {
	if bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-")) {
		return inspectPDF(data)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return SourceInfo{}, fmt.Errorf("decode source image: %w: %v", ErrInvalidSource, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return SourceInfo{}, fmt.Errorf("source image is empty: %w", ErrInvalidSource)
	}
	return SourceInfo{
		Type:        layout.SourceImage,
		Format:      format,
		ContentType: "image/" + format,
		Width:       float64(cfg.Width),
		Height:      float64(cfg.Height),
		PageCount:   1,
	}, nil
}

func inspectPDF(data []byte) (SourceInfo, error) {
	count, err := PageCount(data)
	if err != nil {
		return SourceInfo{}, err
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	dims, err := api.PageDims(bytes.NewReader(data), conf)
	if err != nil {
		return SourceInfo{}, fmt.Errorf("read pdf page sizes: %w: %v", ErrInvalidSource, err)
	}
	w, h := layout.A4WidthPt, layout.A4HeightPt
	if len(dims) > 0 && dims[0].Width > 0 && dims[0].Height > 0 {
		w, h = dims[0].Width, dims[0].Height
	}
	return SourceInfo{
		Type:        layout.SourcePDF,
		Format:      "pdf",
		ContentType: "application/pdf",
		Width:       w,
		Height:      h,
		PageCount:   count,
	}, nil
}
