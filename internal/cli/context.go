// Package cli holds helpers shared by the lightfoot commands: evaluation
// context parsing and result printing.
package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TimurManjosov/lightfoot/internal/evaluation"
)

// ParseValue reads a command-line value as a JSON literal (true, 3,
// {"a":1}) and falls back to the raw string.
func ParseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// ParseAttributes turns repeated key=value arguments into context
// attributes. Later duplicates win.
func ParseAttributes(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q, expected key=value", pair)
		}
		attrs[key] = ParseValue(value)
	}
	return attrs, nil
}

// BuildContext assembles an evaluation context from CLI flags.
func BuildContext(targetingKey string, pairs []string) (evaluation.Context, error) {
	attrs, err := ParseAttributes(pairs)
	if err != nil {
		return evaluation.Context{}, err
	}
	if _, clash := attrs["targetingKey"]; clash {
		return evaluation.Context{}, fmt.Errorf("use --targeting-key instead of --attr targetingKey=...")
	}
	return evaluation.Context{TargetingKey: targetingKey, Attributes: attrs}, nil
}
