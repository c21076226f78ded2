package airtable

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Formula renders a {Field}='value' equality formula. Field names lose
// any closing brace (it would terminate the reference early); values
// render by type: strings quoted with escaped quotes, booleans as
// TRUE()/FALSE(), numerics bare, anything else as JSON inside quotes.
func Formula(field string, value any) string {
	return fmt.Sprintf("{%s}=%s", sanitizeField(field), renderValue(value))
}

func sanitizeField(field string) string {
	return strings.ReplaceAll(field, "}", "")
}

func renderValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "BLANK()"
	case string:
		return quote(v)
	case bool:
		if v {
			return "TRUE()"
		}
		return "FALSE()"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case float32, float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
	case json.Number:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return quote(fmt.Sprintf("%v", v))
		}
		return quote(string(data))
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}
