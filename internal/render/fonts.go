package render

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"

	"docforge/internal/layout"
)

type faceKind int

const (
	kindSans faceKind = iota
	kindMono
)

var (
	parseOnce   sync.Once
	parsedFonts map[faceKey]*opentype.Font
	parseErr    error
)

type faceKey struct {
	kind faceKind
	bold bool
}

func loadFonts() (map[faceKey]*opentype.Font, error) {
	parseOnce.Do(func() {
		sources := map[faceKey][]byte{
			{kindSans, false}: goregular.TTF,
			{kindSans, true}:  gobold.TTF,
			{kindMono, false}: gomono.TTF,
			{kindMono, true}:  gomonobold.TTF,
		}
		parsedFonts = make(map[faceKey]*opentype.Font, len(sources))
		for key, ttf := range sources {
			f, err := opentype.Parse(ttf)
			if err != nil {
				parseErr = fmt.Errorf("parse embedded font: %w", err)
				return
			}
			parsedFonts[key] = f
		}
	})
	return parsedFonts, parseErr
}

func kindOf(family string) faceKind {
	f := strings.ToLower(family)
	if strings.Contains(f, "mono") || strings.Contains(f, "courier") || strings.Contains(f, "consol") {
		return kindMono
	}
	return kindSans
}

// FaceSet hands out font faces for the raster target and preview measuring.
// Faces are not safe for concurrent use, so each render owns its own set.
type FaceSet struct {
	faces map[faceCacheKey]font.Face
}

type faceCacheKey struct {
	faceKey
	size float64
}

func NewFaceSet() *FaceSet {
	return &FaceSet{faces: map[faceCacheKey]font.Face{}}
}

// Face returns the face closest to f: Go Mono for monospace families, Go for
// everything else.
func (s *FaceSet) Face(f layout.Font) (font.Face, error) {
	size := f.Size
	if size <= 0 {
		size = layout.DefaultFontSize
	}
	key := faceCacheKey{faceKey: faceKey{kind: kindOf(f.Family), bold: f.Bold}, size: size}
	if face, ok := s.faces[key]; ok {
		return face, nil
	}
	fonts, err := loadFonts()
	if err != nil {
		return nil, err
	}
	face, err := opentype.NewFace(fonts[key.faceKey], &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	if err != nil {
		return nil, fmt.Errorf("new face: %w", err)
	}
	s.faces[key] = face
	return face, nil
}

// TextWidth implements layout.Measurer.
func (s *FaceSet) TextWidth(text string, f layout.Font) float64 {
	face, err := s.Face(f)
	if err != nil {
		return float64(len([]rune(text))) * f.Size * 0.5
	}
	return float64(font.MeasureString(face, text)) / 64
}

// Close releases every cached face.
func (s *FaceSet) Close() {
	for key, face := range s.faces {
		_ = face.Close()
		delete(s.faces, key)
	}
}

// pdfFamily maps a font family onto one of the PDF core fonts.
func pdfFamily(family string) string {
	f := strings.ToLower(family)
	switch {
	case kindOf(family) == kindMono:
		return "Courier"
	case strings.Contains(f, "times") || strings.Contains(f, "serif") && !strings.Contains(f, "sans"):
		return "Times"
	default:
		return "Helvetica"
	}
}
