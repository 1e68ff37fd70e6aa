// Package cache serves flag evaluations from the last fetched snapshot.
//
// Resolve never blocks and never fails:
//
//   - flag missing from the snapshot: the caller's default, reason STATIC
//   - snapshot fresh: the stored value, reason CACHED
//   - snapshot expired: the stored value, reason STALE, and a background
//     refresh is started (stale-while-revalidate)
//
// Every resolved Record is written to the ledger before it is returned.
//
// Snapshot state machine:
//
//	EMPTY --fetch ok--> FRESH --ttl--> STALE --refresh ok--> FRESH
//	  ^                                                        |
//	  +------------------------- Clear ------------------------+
package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/TimurManjosov/lightfoot/internal/evaluation"
	"github.com/TimurManjosov/lightfoot/internal/logging"
	"github.com/TimurManjosov/lightfoot/internal/snapshot"
	"github.com/TimurManjosov/lightfoot/internal/telemetry"
)

const (
	// DefaultTTL is the lifetime of a snapshot when no TTL is configured.
	DefaultTTL = time.Second
	// DefaultFetchTimeout bounds background refreshes.
	DefaultFetchTimeout = 5 * time.Second
)

// Fetch triggers, used as the "trigger" metric label.
const (
	TriggerInitialize    = "initialize"
	TriggerStale         = "stale"
	TriggerContextChange = "context_change"
	TriggerManual        = "manual"
)

// ErrSuperseded is returned by a refresh whose result was discarded because
// the cache was cleared while the fetch was in flight.
var ErrSuperseded = errors.New("refresh superseded by cache clear")

// Fetcher retrieves the evaluation of every flag for one context.
type Fetcher interface {
	FetchEvaluations(ctx context.Context, evalCtx evaluation.Context) (map[string]evaluation.Stored, error)
}

// Recorder receives every resolved record.
type Recorder interface {
	Record(flagKey string, rec evaluation.Record)
}

// Clock interface for testable time operations
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now()
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// State is the freshness of the live snapshot.
type State string

const (
	StateEmpty State = "EMPTY"
	StateFresh State = "FRESH"
	StateStale State = "STALE"
)

// Cache holds the live evaluation snapshot for one session.
type Cache struct {
	holder       *snapshot.Holder
	fetcher      Fetcher
	ledger       Recorder
	clock        Clock
	ttl          time.Duration
	fetchTimeout time.Duration
	log          zerolog.Logger

	group      singleflight.Group
	generation atomic.Uint64
	installMu  sync.Mutex // orders generation checks against Clear

	refreshing atomic.Uint64 // generation+1 of the scheduled background refresh, 0 when idle
	bgMu       sync.Mutex  // guards closed and background.Add
	background sync.WaitGroup
	closed     bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the lifetime of each fetched snapshot.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// WithLogger sets the parent logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = logging.Component(log, "cache") }
}

// WithFetchTimeout bounds each background refresh.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.fetchTimeout = d }
}

// New creates an empty cache. Resolved records are written to ledger.
func New(fetcher Fetcher, ledger Recorder, opts ...Option) *Cache {
	c := &Cache{
		holder:       snapshot.NewHolder(),
		fetcher:      fetcher,
		ledger:       ledger,
		clock:        SystemClock{},
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = DefaultFetchTimeout
	}
	return c
}

// Resolve answers a flag query from the live snapshot.
// It never blocks on I/O; see the package documentation for the rules.
func (c *Cache) Resolve(flagKey string, defaultValue any, evalCtx evaluation.Context) evaluation.Record {
	rec := c.lookup(flagKey, defaultValue, evalCtx)
	c.ledger.Record(flagKey, rec)
	telemetry.Resolves.WithLabelValues(string(rec.Reason)).Inc()
	// the ledger keeps rec; the caller gets its own copy
	return rec.Clone()
}

func (c *Cache) lookup(flagKey string, defaultValue any, evalCtx evaluation.Context) evaluation.Record {
	snap := c.holder.Load()
	stored, ok := snap.Lookup(flagKey)
	if !ok {
		return evaluation.StaticRecord(defaultValue)
	}
	if !snap.Expired(c.clock.Now()) {
		return evaluation.StoredRecord(stored, evaluation.ReasonCached)
	}
	c.refreshInBackground(evalCtx)
	return evaluation.StoredRecord(stored, evaluation.ReasonStale)
}

// refreshInBackground starts at most one background refresh per cache
// generation. A refresh still running for a generation retired by Clear
// does not hold back the current one.
// It never waits: if Close or Wait holds bgMu, the refresh is skipped and
// the next STALE resolve tries again.
func (c *Cache) refreshInBackground(evalCtx evaluation.Context) {
	mark := c.generation.Load() + 1
	for {
		cur := c.refreshing.Load()
		if cur >= mark {
			return
		}
		if c.refreshing.CompareAndSwap(cur, mark) {
			break
		}
	}
	if !c.bgMu.TryLock() {
		c.refreshing.CompareAndSwap(mark, 0)
		return
	}
	if c.closed {
		c.bgMu.Unlock()
		c.refreshing.CompareAndSwap(mark, 0)
		return
	}
	c.background.Add(1)
	c.bgMu.Unlock()

	go func() {
		defer c.background.Done()
		defer c.refreshing.CompareAndSwap(mark, 0)

		ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
		defer cancel()
		if err := c.refresh(ctx, evalCtx, TriggerStale); err != nil {
			c.log.Warn().Err(err).
				Str("context", evalCtx.Fingerprint()).
				Msg("background refresh failed, serving stale snapshot")
		}
	}()
}

// Initialize performs the first fetch for a session. A failure is logged
// and otherwise absorbed: the cache stays EMPTY, State reports it, and
// resolves fall back to STATIC defaults.
func (c *Cache) Initialize(ctx context.Context, evalCtx evaluation.Context) {
	if err := c.refresh(ctx, evalCtx, TriggerInitialize); err != nil {
		c.log.Error().Err(err).
			Str("context", evalCtx.Fingerprint()).
			Msg("could not fetch flag evaluations, serving defaults")
	}
}

// Refresh fetches evaluations for evalCtx and replaces the snapshot,
// resetting the shared deadline. On failure the snapshot and its deadline
// are left untouched and nothing is retried.
//
// Concurrent refreshes for an equal context share a single fetch.
func (c *Cache) Refresh(ctx context.Context, evalCtx evaluation.Context) error {
	return c.refresh(ctx, evalCtx, TriggerManual)
}

// RefreshFor is Refresh with an explicit trigger label.
func (c *Cache) RefreshFor(ctx context.Context, evalCtx evaluation.Context, trigger string) error {
	return c.refresh(ctx, evalCtx, trigger)
}

func (c *Cache) refresh(ctx context.Context, evalCtx evaluation.Context, trigger string) error {
	gen := c.generation.Load()
	fingerprint := evalCtx.Fingerprint()
	key := fingerprint + "/" + strconv.FormatUint(gen, 10)

	_, err, shared := c.group.Do(key, func() (any, error) {
		return c.fetchAndInstall(ctx, evalCtx, fingerprint, gen, trigger)
	})
	if shared {
		c.log.Debug().Str("context", fingerprint).Str("trigger", trigger).Msg("joined in-flight refresh")
	}
	return err
}

func (c *Cache) fetchAndInstall(ctx context.Context, evalCtx evaluation.Context, fingerprint string, gen uint64, trigger string) (*snapshot.Snapshot, error) {
	start := time.Now()
	flags, err := c.fetcher.FetchEvaluations(ctx, evalCtx)
	telemetry.ObserveFetch(trigger, err, time.Since(start))
	if err != nil {
		return nil, err
	}

	c.installMu.Lock()
	defer c.installMu.Unlock()

	if c.generation.Load() != gen {
		c.log.Debug().Str("context", fingerprint).Msg("discarding evaluations fetched before cache clear")
		return nil, ErrSuperseded
	}

	snap := snapshot.Build(flags, fingerprint, c.clock.Now(), c.ttl)
	c.holder.Update(snap)
	telemetry.SnapshotFlags.Set(float64(len(snap.Flags)))

	c.log.Debug().
		Str("context", fingerprint).
		Str("trigger", trigger).
		Str("etag", snap.ETag).
		Int("flags", len(snap.Flags)).
		Time("expires_at", snap.ExpiresAt).
		Msg("snapshot replaced")
	return snap, nil
}

// Clear drops the live snapshot. Fetches that started before Clear do not
// install their results afterwards.
func (c *Cache) Clear() {
	c.installMu.Lock()
	c.generation.Add(1)
	c.holder.Clear()
	c.installMu.Unlock()
	telemetry.SnapshotFlags.Set(0)
}

// State reports the freshness of the live snapshot.
func (c *Cache) State() State {
	snap := c.holder.Load()
	switch {
	case snap == nil:
		return StateEmpty
	case snap.Expired(c.clock.Now()):
		return StateStale
	default:
		return StateFresh
	}
}

// Snapshot returns the live snapshot, or nil when the cache is empty.
func (c *Cache) Snapshot() *snapshot.Snapshot {
	return c.holder.Load()
}

// Subscribe notifies the caller of every snapshot replacement (with the new
// ETag) and every clear (with an empty ETag). Slow readers miss updates.
func (c *Cache) Subscribe() (<-chan string, func()) {
	return c.holder.Subscribe()
}

// Wait blocks until background refreshes that are already running finish.
func (c *Cache) Wait() {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	c.background.Wait()
}

// Close stops scheduling background refreshes and waits for running ones.
// Close is safe to call multiple times.
func (c *Cache) Close() error {
	c.bgMu.Lock()
	c.closed = true
	c.bgMu.Unlock()
	c.background.Wait()
	return nil
}
