package render

import (
	"fmt"
	"strings"

	"docforge/internal/layout"
)

// MissingFieldsError lists the labels of required fields without a value,
// in document order. No artifact is produced when it is returned.
type MissingFieldsError struct {
	Labels []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Labels, ", "))
}

// ResolveValues rekeys values by field id. Keys that are not a field id are
// matched exactly against field labels (case-sensitive, surrounding spaces
// ignored); when both an id and a label address the same field the id wins.
// Unknown keys are dropped. Labels must already be unique, see layout.Strict.
func ResolveValues(fields []layout.Field, values map[string]any) map[string]any {
	byID := make(map[string]struct{}, len(fields))
	byLabel := make(map[string]string, len(fields))
	for _, f := range fields {
		byID[f.ID] = struct{}{}
		if label := strings.TrimSpace(f.Label); label != "" {
			byLabel[label] = f.ID
		}
	}

	resolved := make(map[string]any, len(values))
	for key, v := range values {
		if _, ok := byID[key]; ok {
			resolved[key] = v
		}
	}
	for key, v := range values {
		if _, ok := byID[key]; ok {
			continue
		}
		id, ok := byLabel[strings.TrimSpace(key)]
		if !ok {
			continue
		}
		if _, taken := resolved[id]; taken {
			continue
		}
		resolved[id] = v
	}
	return resolved
}

// CheckRequired returns a *MissingFieldsError when any required field has no
// value. values must be keyed by field id.
func CheckRequired(fields []layout.Field, values map[string]any) error {
	var missing []string
	for _, f := range fields {
		if !f.Required {
			continue
		}
		if layout.IsMissing(values[f.ID]) {
			missing = append(missing, f.Label)
		}
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Labels: missing}
	}
	return nil
}
