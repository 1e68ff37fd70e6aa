// Package validation provides validation rules for fixture flag definitions
// and evaluation requests.
package validation

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxKeyLength is the maximum length for flag keys
	MaxKeyLength = 64
	// MaxVariantNameLength is the maximum length for variant names
	MaxVariantNameLength = 64
	// MaxValueSize is the maximum size of a JSON-encoded flag value in bytes
	MaxValueSize = 100 * 1024 // 100KB
	// MaxTargetingKeyLength is the maximum length for a context targeting key
	MaxTargetingKeyLength = 256
)

// keyPattern matches alphanumeric characters, underscores, and hyphens
var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidationResult holds the result of validation
type ValidationResult struct {
	Valid  bool
	Errors map[string]string
}

// NewValidationResult creates a new validation result
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:  true,
		Errors: make(map[string]string),
	}
}

// AddError adds a field error and marks the result as invalid
func (v *ValidationResult) AddError(field, message string) {
	v.Valid = false
	v.Errors[field] = message
}

// Merge combines another validation result into this one
func (v *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for field, message := range other.Errors {
		v.AddError(field, message)
	}
}

// Prefix returns a copy of the result with every field name prefixed,
// e.g. "value" becomes "flags.dark-mode.value".
func (v *ValidationResult) Prefix(prefix string) *ValidationResult {
	out := NewValidationResult()
	for field, message := range v.Errors {
		out.AddError(prefix+"."+field, message)
	}
	return out
}

// FlagDefinitionParams contains the parameters for validating one fixture flag
type FlagDefinitionParams struct {
	Key     string
	Value   any
	Variant *string
}

// ValidateFlagDefinition validates all fields of a fixture flag
func ValidateFlagDefinition(params FlagDefinitionParams) *ValidationResult {
	result := NewValidationResult()

	result.Merge(ValidateKey(params.Key))
	result.Merge(ValidateValue(params.Value))

	if params.Variant != nil {
		result.Merge(ValidateVariantName(*params.Variant))
	}

	return result
}

// ValidateKey validates a flag key
func ValidateKey(key string) *ValidationResult {
	result := NewValidationResult()
	key = strings.TrimSpace(key)

	if key == "" {
		result.AddError("key", "Key is required")
		return result
	}

	if utf8.RuneCountInString(key) > MaxKeyLength {
		result.AddError("key", "Key must not exceed 64 characters")
		return result
	}

	if !keyPattern.MatchString(key) {
		result.AddError("key", "Key must contain only alphanumeric characters, underscores, and hyphens")
		return result
	}

	return result
}

// ValidateVariantName validates an explicit variant name. Absent variants
// are not validated; an explicit empty one is rejected.
func ValidateVariantName(name string) *ValidationResult {
	result := NewValidationResult()

	if strings.TrimSpace(name) == "" {
		result.AddError("variant", "Variant name cannot be empty")
		return result
	}

	if utf8.RuneCountInString(name) > MaxVariantNameLength {
		result.AddError("variant", "Variant name must not exceed 64 characters")
	}

	return result
}

// ValidateValue checks that a flag value can be served as JSON and fits the size limit
func ValidateValue(value any) *ValidationResult {
	result := NewValidationResult()

	if value == nil {
		result.AddError("value", "Value is required")
		return result
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		result.AddError("value", "Value must be JSON-encodable: "+err.Error())
		return result
	}

	if len(encoded) > MaxValueSize {
		result.AddError("value", "Value must not exceed 100KB")
	}

	return result
}

// ValidateEvaluateRequest validates the raw body of an evaluate request:
// it must be a JSON object whose "context" member is an object.
func ValidateEvaluateRequest(body []byte) *ValidationResult {
	result := NewValidationResult()

	var req map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil {
		result.AddError("body", "Body must be a valid JSON object: "+err.Error())
		return result
	}

	raw, ok := req["context"]
	if !ok {
		result.AddError("context", "Context is required")
		return result
	}

	var ctx map[string]any
	if err := json.Unmarshal(raw, &ctx); err != nil || ctx == nil {
		result.AddError("context", "Context must be a JSON object")
		return result
	}

	if tk, ok := ctx["targetingKey"]; ok {
		s, isString := tk.(string)
		switch {
		case !isString:
			result.AddError("context.targetingKey", "Targeting key must be a string")
		case utf8.RuneCountInString(s) > MaxTargetingKeyLength:
			result.AddError("context.targetingKey", "Targeting key must not exceed 256 characters")
		}
	}

	return result
}
