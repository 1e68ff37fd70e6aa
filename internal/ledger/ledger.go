// Package ledger records which flags were resolved since the last drain, so
// span enrichment can learn about evaluations it never saw directly.
package ledger

import (
	"iter"
	"sync"

	"github.com/TimurManjosov/lightfoot/internal/evaluation"
)

// Ledger is an insertion-ordered map from flag key to the last Record
// resolved for it. It is safe for concurrent use.
//
// The ledger is only written by resolve calls; clearing it never touches
// the cache snapshot.
type Ledger struct {
	mu      sync.Mutex
	order   []string
	entries map[string]evaluation.Record
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{entries: make(map[string]evaluation.Record)}
}

// Record upserts the entry for key. The last write wins; a key keeps the
// position of its first insertion.
func (l *Ledger) Record(key string, rec evaluation.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[key]; !exists {
		l.order = append(l.order, key)
	}
	l.entries[key] = rec
}

// All returns the entries present at call time as a lazy sequence.
// The sequence is restartable and unaffected by later writes.
func (l *Ledger) All() iter.Seq2[string, evaluation.Record] {
	l.mu.Lock()
	keys, recs := l.copyLocked()
	l.mu.Unlock()
	return sequence(keys, recs)
}

// Drain is All followed by Clear, performed atomically: an entry recorded
// concurrently lands either in the returned sequence or in the ledger.
func (l *Ledger) Drain() iter.Seq2[string, evaluation.Record] {
	l.mu.Lock()
	keys, recs := l.copyLocked()
	l.resetLocked()
	l.mu.Unlock()
	return sequence(keys, recs)
}

// Clear empties the ledger.
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.resetLocked()
	l.mu.Unlock()
}

// Len returns the number of distinct keys recorded.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *Ledger) copyLocked() ([]string, []evaluation.Record) {
	keys := make([]string, len(l.order))
	recs := make([]evaluation.Record, len(l.order))
	copy(keys, l.order)
	for i, k := range keys {
		recs[i] = l.entries[k]
	}
	return keys, recs
}

func (l *Ledger) resetLocked() {
	l.order = nil
	clear(l.entries)
}

func sequence(keys []string, recs []evaluation.Record) iter.Seq2[string, evaluation.Record] {
	return func(yield func(string, evaluation.Record) bool) {
		for i, k := range keys {
			if !yield(k, recs[i]) {
				return
			}
		}
	}
}
