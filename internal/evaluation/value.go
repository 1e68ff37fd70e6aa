package evaluation

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// StringValue coerces a flag value to the string form used in span events.
//
// Primitive values are rendered as-is (booleans as "true"/"false", numbers
// without exponent or trailing zeros). Structured values (maps, slices) are
// encoded as JSON because span attributes only hold primitives. nil renders
// as "null".
func StringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	}

	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(blob)
}

// VariantOrValue is the variant naming policy for enrichment events: every
// event carries a non-empty variant. The explicit variant is used when the
// record has one; otherwise the string-coerced value stands in for it. An
// empty string value is rendered as its JSON literal `""`.
func VariantOrValue(r Record) string {
	if r.HasVariant() {
		return *r.Variant
	}
	s := StringValue(r.Value)
	if s == "" {
		return `""`
	}
	return s
}

// CloneValue deep-copies the JSON container types (objects and arrays).
// Other values are returned as-is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return val
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = CloneValue(elem)
		}
		return out
	case []any:
		if val == nil {
			return val
		}
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = CloneValue(elem)
		}
		return out
	}
	return v
}

// Variant returns a pointer to name, for building Stored and Record literals.
func Variant(name string) *string {
	return &name
}
