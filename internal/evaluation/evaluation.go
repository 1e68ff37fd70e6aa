// Package evaluation defines the values exchanged between the flag cache,
// the evaluated-flags ledger and span enrichment.
//
// Testing Guide:
//
// Everything in this package is a pure value or a pure function, so tests
// need no fakes. Build a Context or Record literal and assert on the result.
//
// Example:
//
//	ctx := Context{TargetingKey: "user-123", Attributes: map[string]any{"plan": "pro"}}
//	other := Context{TargetingKey: "user-123", Attributes: map[string]any{"plan": "pro"}}
//	ctx.Equal(other) // true: equality is structural
//
// Edge Cases to Test:
//
//   - nil vs empty Attributes: both encode to the same canonical form
//   - nested attribute maps: key order never affects equality
//   - Record without variant: VariantOrValue falls back to the value
//   - structured values: StringValue returns their JSON encoding
package evaluation

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Reason explains where a resolved value came from.
type Reason string

const (
	// ReasonStatic means the flag was not in the snapshot and the caller's default was used.
	ReasonStatic Reason = "STATIC"
	// ReasonCached means the value came from a snapshot that has not expired.
	ReasonCached Reason = "CACHED"
	// ReasonStale means the value came from an expired snapshot while a refresh runs.
	ReasonStale Reason = "STALE"
)

// targetingKeyField is the JSON member carrying Context.TargetingKey.
const targetingKeyField = "targetingKey"

// Context represents the caller-supplied attributes a flag is evaluated against.
type Context struct {
	TargetingKey string
	Attributes   map[string]any
}

// Stored is the wire shape of one flag in an evaluation response.
type Stored struct {
	Value   any     `json:"value"`
	Variant *string `json:"variant,omitempty"`
}

// Record is the result of a single resolve call.
type Record struct {
	Value   any     `json:"value"`
	Variant *string `json:"variant,omitempty"`
	Reason  Reason  `json:"reason"`
}

// MarshalJSON encodes the context as one flat object: the attributes plus
// a "targetingKey" member when the key is set.
func (c Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.flatten())
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (c *Context) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.TargetingKey = ""
	c.Attributes = nil
	if key, ok := raw[targetingKeyField].(string); ok {
		c.TargetingKey = key
		delete(raw, targetingKeyField)
	}
	if len(raw) > 0 {
		c.Attributes = raw
	}
	return nil
}

// flatten builds the map that MarshalJSON encodes.
//
// Edge Cases:
//   - Attributes contains "targetingKey": TargetingKey wins when non-empty
//   - nil Attributes and empty TargetingKey: returns an empty, non-nil map
func (c Context) flatten() map[string]any {
	flat := make(map[string]any, len(c.Attributes)+1)
	for k, v := range c.Attributes {
		flat[k] = v
	}
	if c.TargetingKey != "" {
		flat[targetingKeyField] = c.TargetingKey
	}
	return flat
}

// canonical returns a deterministic encoding of the context.
// encoding/json sorts map keys at every nesting level, which is what makes
// the encoding canonical.
func (c Context) canonical() ([]byte, error) {
	return json.Marshal(c.flatten())
}

// Equal reports whether two contexts are structurally equal.
//
// Contexts are compared by their canonical JSON encoding. When either side
// cannot be encoded (an attribute holds a channel or a func) the comparison
// falls back to reflect.DeepEqual on the flattened maps.
func (c Context) Equal(other Context) bool {
	a, errA := c.canonical()
	b, errB := other.canonical()
	if errA != nil || errB != nil {
		return reflect.DeepEqual(c.flatten(), other.flatten())
	}
	return bytes.Equal(a, b)
}

// Fingerprint returns a short stable identifier for the context.
// Equal contexts always have the same fingerprint.
func (c Context) Fingerprint() string {
	blob, err := c.canonical()
	if err != nil {
		return "unencodable"
	}
	return strconv.FormatUint(xxhash.Sum64(blob), 16)
}

// StoredRecord builds the Record served from a snapshot entry. The record
// shares nothing with the entry, so callers cannot alter the snapshot.
func StoredRecord(s Stored, reason Reason) Record {
	return Record{Value: s.Value, Variant: s.Variant, Reason: reason}.Clone()
}

// StaticRecord builds the Record served when a flag is missing from the snapshot.
func StaticRecord(defaultValue any) Record {
	return Record{Value: CloneValue(defaultValue), Reason: ReasonStatic}
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := Record{Value: CloneValue(r.Value), Reason: r.Reason}
	if r.Variant != nil {
		out.Variant = Variant(*r.Variant)
	}
	return out
}

// HasVariant reports whether the record carries a non-empty variant.
func (r Record) HasVariant() bool {
	return r.Variant != nil && *r.Variant != ""
}
