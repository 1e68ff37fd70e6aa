// Package fixture serves a fixed set of flag evaluations over the evaluation
// service protocol, so the SDK can be exercised without the real backend.
package fixture

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/lightfoot/internal/evaluation"
	"github.com/TimurManjosov/lightfoot/internal/validation"
)

// Definition is one flag in a fixture file.
type Definition struct {
	Value   any     `yaml:"value"`
	Variant *string `yaml:"variant,omitempty"`
}

// File is the on-disk fixture format:
//
//	flags:
//	  dark-mode:
//	    value: true
//	  banner:
//	    value: spring
//	    variant: seasonal
type File struct {
	Flags map[string]Definition `yaml:"flags"`
}

// InvalidError lists every field that failed validation.
type InvalidError struct {
	Path   string
	Fields map[string]string
}

func (e *InvalidError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b strings.Builder
	fmt.Fprintf(&b, "invalid fixture %s:", e.Path)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s: %s;", f, e.Fields[f])
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Load reads and validates a fixture file.
func Load(path string) (map[string]evaluation.Stored, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	flags, err := Parse(data)
	if err != nil {
		var invalid *InvalidError
		if errors.As(err, &invalid) {
			invalid.Path = path
			return nil, invalid
		}
		return nil, fmt.Errorf("failed to parse fixture %s: %w", path, err)
	}
	return flags, nil
}

// Parse decodes and validates fixture YAML. Values are normalized to their
// JSON form so they match what a client decodes from the wire.
func Parse(data []byte) (map[string]evaluation.Stored, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	result := validation.NewValidationResult()
	flags := make(map[string]evaluation.Stored, len(file.Flags))
	for key, def := range file.Flags {
		check := validation.ValidateFlagDefinition(validation.FlagDefinitionParams{
			Key:     key,
			Value:   def.Value,
			Variant: def.Variant,
		})
		if !check.Valid {
			result.Merge(check.Prefix("flags." + key))
			continue
		}
		value, err := normalize(def.Value)
		if err != nil {
			result.AddError("flags."+key+".value", err.Error())
			continue
		}
		flags[key] = evaluation.Stored{Value: value, Variant: def.Variant}
	}

	if !result.Valid {
		return nil, &InvalidError{Fields: result.Errors}
	}
	return flags, nil
}

func normalize(v any) (any, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(blob, &out); err != nil {
		return nil, err
	}
	return out, nil
}
