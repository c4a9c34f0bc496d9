package layout

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Serialize encodes fields as the persisted template content blob.
func Serialize(fields []Field) (string, error) {
	if fields == nil {
		fields = []Field{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("serialize fields: %w", err)
	}
	return string(data), nil
}

// Parse decodes template content. It never fails: empty, malformed or legacy
// content yields an empty list, and list elements that do not decode as a
// field are dropped on their own. Both a bare list and a {"fields": [...]}
// wrapper are accepted.
func Parse(content string) []Field {
	raw := bytes.TrimSpace([]byte(content))
	if len(raw) == 0 {
		return []Field{}
	}

	var elements []json.RawMessage
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &elements); err != nil {
			return []Field{}
		}
	case '{':
		var wrapper struct {
			Fields []json.RawMessage `json:"fields"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return []Field{}
		}
		elements = wrapper.Fields
	default:
		return []Field{}
	}

	fields := make([]Field, 0, len(elements))
	for _, el := range elements {
		el = bytes.TrimSpace(el)
		if len(el) == 0 || el[0] != '{' {
			continue
		}
		var f Field
		if err := json.Unmarshal(el, &f); err != nil {
			continue
		}
		fields = append(fields, normalizeParsed(f))
	}
	return fields
}

func normalizeParsed(f Field) Field {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Unit == "" {
		f.Unit = UnitPercent
	}
	return f
}
