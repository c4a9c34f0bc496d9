package layout

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Color is a non-premultiplied RGBA color. It is encoded as "#rrggbbaa".
type Color struct {
	R, G, B, A uint8
}

var (
	Black = Color{A: 255}
	White = Color{R: 255, G: 255, B: 255, A: 255}
	// Muted is the editor color for placeholders shown in place of missing values.
	Muted = Color{R: 154, G: 165, B: 177, A: 255}
)

// ParseColor accepts #rgb, #rrggbb and #rrggbbaa (the leading # is optional).
// The empty string and "transparent" report ok=false.
func ParseColor(s string) (Color, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "#")
	if s == "" || s == "transparent" || s == "none" {
		return Color{}, false
	}
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) == 6 {
		s += "ff"
	}
	if len(s) != 8 {
		return Color{}, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return Color{}, false
	}
	return Color{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, true
}

func colorOr(s string, fallback Color) Color {
	if c, ok := ParseColor(s); ok {
		return c
	}
	return fallback
}

func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

func (c Color) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Color) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseColor(s)
	if !ok {
		return fmt.Errorf("invalid color %q", s)
	}
	*c = parsed
	return nil
}
