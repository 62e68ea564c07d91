package sheet

import (
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// CellsEqual compares two cell values. Strings are compared after Unicode
// NFC normalization so that a composed and a decomposed "é" typed on
// different clients are not reported as a conflict. Numeric values compare
// by value regardless of their Go type.
func CellsEqual(a, b any) bool {
	if fa, ok := ToFloat(a); ok {
		fb, ok := ToFloat(b)
		return ok && fa == fb
	}

	sa, aIsString := a.(string)
	sb, bIsString := b.(string)

	if aIsString && bIsString {
		return norm.NFC.String(sa) == norm.NFC.String(sb)
	}

	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return FormatCell(a) == FormatCell(b)
}

// ToFloat returns the numeric value of a cell and whether the cell is
// numeric. Numeric strings are not numbers: a sheet column of "007" codes
// must not be averaged.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// FormatCell renders a cell value for display and for string merges.
func FormatCell(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(c)
	default:
		if f, ok := ToFloat(c); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}

		return fmt.Sprint(c)
	}
}

// ParseCell converts user input into a cell value: numbers become float64,
// "true"/"false" become bools, everything else stays a string.
func ParseCell(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}

	return s
}
