package layout

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DuplicateLabelsError names every label that appears more than once
// (compared case-insensitively).
type DuplicateLabelsError struct {
	Labels []string
}

func (e *DuplicateLabelsError) Error() string {
	return fmt.Sprintf("duplicate field labels: %s", strings.Join(e.Labels, ", "))
}

// InvalidFieldError reports a field that cannot be rendered at all.
type InvalidFieldError struct {
	FieldID string
	Label   string
	Reason  string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %q (%s): %s", e.Label, e.FieldID, e.Reason)
}

// Warning is an advisory finding shown while a template is being edited.
type Warning struct {
	Code    string `json:"code"`
	FieldID string `json:"field_id,omitempty"`
	Label   string `json:"label,omitempty"`
	Message string `json:"message"`
}

const (
	WarnDuplicateLabel = "duplicate_label"
	WarnEmptyLabel     = "empty_label"
	WarnEmptyGeometry  = "empty_geometry"
	WarnNoColumns      = "table_without_columns"
)

// Advise runs the editing-time checks. It never blocks a save.
func Advise(fields []Field) []Warning {
	var warnings []Warning
	for _, label := range duplicateLabels(fields) {
		warnings = append(warnings, Warning{
			Code:    WarnDuplicateLabel,
			Label:   label,
			Message: fmt.Sprintf("label %q is used by more than one field", label),
		})
	}
	for _, f := range fields {
		if strings.TrimSpace(f.Label) == "" {
			warnings = append(warnings, Warning{Code: WarnEmptyLabel, FieldID: f.ID, Message: "field has no label"})
		}
		if f.Width <= 0 || f.Height <= 0 {
			warnings = append(warnings, Warning{Code: WarnEmptyGeometry, FieldID: f.ID, Label: f.Label, Message: "field has no visible area"})
		}
		if f.Type == FieldTable && (f.Table == nil || len(f.Table.Columns) == 0) {
			warnings = append(warnings, Warning{Code: WarnNoColumns, FieldID: f.ID, Label: f.Label, Message: "table has no columns"})
		}
	}
	return warnings
}

// Strict is the publish and bulk-ingestion gate. Duplicate labels are
// reported first since they make label-keyed values ambiguous.
func Strict(fields []Field) error {
	if dups := duplicateLabels(fields); len(dups) > 0 {
		return &DuplicateLabelsError{Labels: dups}
	}
	var errs []error
	for _, f := range fields {
		switch {
		case !f.Type.Valid():
			errs = append(errs, &InvalidFieldError{FieldID: f.ID, Label: f.Label, Reason: fmt.Sprintf("unknown type %q", f.Type)})
		case !f.Unit.Valid():
			errs = append(errs, &InvalidFieldError{FieldID: f.ID, Label: f.Label, Reason: fmt.Sprintf("unknown unit %q", f.Unit)})
		case f.Width <= 0 || f.Height <= 0:
			errs = append(errs, &InvalidFieldError{FieldID: f.ID, Label: f.Label, Reason: "width and height must be positive"})
		case strings.TrimSpace(f.ID) == "":
			errs = append(errs, &InvalidFieldError{Label: f.Label, Reason: "missing id"})
		}
	}
	return errors.Join(errs...)
}

// duplicateLabels returns the duplicated labels (first spelling seen), sorted.
func duplicateLabels(fields []Field) []string {
	first := make(map[string]string, len(fields))
	counts := make(map[string]int, len(fields))
	for _, f := range fields {
		key := f.LabelKey()
		if key == "" {
			continue
		}
		if _, ok := first[key]; !ok {
			first[key] = strings.TrimSpace(f.Label)
		}
		counts[key]++
	}
	var dups []string
	for key, n := range counts {
		if n > 1 {
			dups = append(dups, first[key])
		}
	}
	sort.Strings(dups)
	return dups
}
