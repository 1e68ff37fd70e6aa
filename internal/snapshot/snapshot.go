package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/TimurManjosov/lightfoot/internal/evaluation"
)

// Snapshot is one fetched evaluation set. It is never mutated after Build;
// replacing it means installing a new one in the Holder.
type Snapshot struct {
	ETag               string                       `json:"etag"`
	Flags              map[string]evaluation.Stored `json:"flags"`
	ContextFingerprint string                       `json:"contextFingerprint"`
	FetchedAt          time.Time                    `json:"fetchedAt"`
	ExpiresAt          time.Time                    `json:"expiresAt"`
}

// Build wraps a fetched evaluation set with its shared expiry deadline.
func Build(flags map[string]evaluation.Stored, fingerprint string, now time.Time, ttl time.Duration) *Snapshot {
	if flags == nil {
		flags = map[string]evaluation.Stored{}
	}
	blob, _ := json.Marshal(flags)
	sum := sha256.Sum256(blob)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`
	return &Snapshot{
		ETag:               etag,
		Flags:              flags,
		ContextFingerprint: fingerprint,
		FetchedAt:          now,
		ExpiresAt:          now.Add(ttl),
	}
}

// Lookup returns the stored evaluation for key. Safe on a nil snapshot.
func (s *Snapshot) Lookup(key string) (evaluation.Stored, bool) {
	if s == nil {
		return evaluation.Stored{}, false
	}
	stored, ok := s.Flags[key]
	return stored, ok
}

// Expired reports whether the shared deadline has passed at now.
func (s *Snapshot) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Holder owns the live snapshot. Readers get whole snapshots only, so a
// lookup never mixes two fetches.
type Holder struct {
	current atomic.Pointer[Snapshot]
	Notifier
}

// NewHolder returns an empty holder.
func NewHolder() *Holder {
	return &Holder{Notifier: newNotifier()}
}

// Load returns the live snapshot, or nil when the holder is empty.
func (h *Holder) Load() *Snapshot {
	return h.current.Load()
}

// Update installs s and notifies subscribers with its ETag.
func (h *Holder) Update(s *Snapshot) {
	h.current.Store(s)
	h.publishUpdate(s.ETag) // <- notify watchers
}

// Clear empties the holder. Subscribers receive an empty ETag.
func (h *Holder) Clear() {
	h.current.Store(nil)
	h.publishUpdate("")
}
