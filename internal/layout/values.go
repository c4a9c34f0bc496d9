package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidTableValue = errors.New("table value must be a list of objects")

// TextValue converts a bound value into the string a text or date field draws.
// It reports false for values that count as missing: nil, "", false.
func TextValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, val != ""
	case bool:
		if !val {
			return "", false
		}
		return "true", true
	case json.Number:
		return val.String(), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case fmt.Stringer:
		s := val.String()
		return s, s != ""
	default:
		s := fmt.Sprint(val)
		return s, s != ""
	}
}

// IsMissing reports whether a bound value counts as absent for required-field
// checks: nil, "", false and empty lists.
func IsMissing(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	case []any:
		return len(val) == 0
	case []map[string]any:
		return len(val) == 0
	case []map[string]string:
		return len(val) == 0
	}
	return false
}

// TableRows converts a bound table value into rows keyed by column key.
// Accepted shapes are []map[string]string, []map[string]any, []any of objects
// and a JSON string holding a list of objects.
func TableRows(v any) ([]map[string]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []map[string]string:
		return val, nil
	case []map[string]any:
		rows := make([]map[string]string, 0, len(val))
		for _, obj := range val {
			rows = append(rows, stringifyRow(obj))
		}
		return rows, nil
	case []any:
		rows := make([]map[string]string, 0, len(val))
		for i, item := range val {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("row %d: %w", i+1, ErrInvalidTableValue)
			}
			rows = append(rows, stringifyRow(obj))
		}
		return rows, nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil, nil
		}
		var decoded []any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, fmt.Errorf("decode table json: %w", ErrInvalidTableValue)
		}
		return TableRows(decoded)
	default:
		return nil, fmt.Errorf("%T: %w", v, ErrInvalidTableValue)
	}
}

func stringifyRow(obj map[string]any) map[string]string {
	row := make(map[string]string, len(obj))
	for k, cell := range obj {
		switch c := cell.(type) {
		case nil:
			row[k] = ""
		case bool:
			row[k] = strconv.FormatBool(c)
		default:
			s, _ := TextValue(c)
			row[k] = s
		}
	}
	return row
}
