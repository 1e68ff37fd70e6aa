package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TimurManjosov/lightfoot/internal/evaluation"
	"github.com/TimurManjosov/lightfoot/internal/ledger"
	"github.com/TimurManjosov/lightfoot/internal/testutil"
)

var (
	ctxA    = evaluation.Context{TargetingKey: "user-a"}
	errDown = errors.New("evaluation service down")
)

func darkMode() map[string]evaluation.Stored {
	return map[string]evaluation.Stored{"dark-mode": {Value: true}}
}

func newTestCache(t *testing.T, f *testutil.Fetcher) (*Cache, *ledger.Ledger, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock()
	l := ledger.New()
	c := New(f, l, WithClock(clock), WithTTL(time.Second), WithFetchTimeout(time.Second))
	t.Cleanup(func() { _ = c.Close() })
	return c, l, clock
}

func TestResolve_NeverFetchedIsStatic(t *testing.T) {
	c, _, _ := newTestCache(t, testutil.NewFetcher(nil))

	rec := c.Resolve("new-ui", false, ctxA)

	assert.Equal(t, evaluation.ReasonStatic, rec.Reason)
	assert.Equal(t, false, rec.Value)
	assert.Nil(t, rec.Variant)
	assert.Equal(t, StateEmpty, c.State())
}

func TestResolve_FreshSnapshotIsCached(t *testing.T) {
	f := testutil.NewFetcher(darkMode())
	c, _, _ := newTestCache(t, f)
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())

	rec := c.Resolve("dark-mode", false, ctxA)
	assert.Equal(t, evaluation.Record{Value: true, Reason: evaluation.ReasonCached}, rec)

	rec = c.Resolve("new-ui", false, ctxA)
	assert.Equal(t, evaluation.Record{Value: false, Reason: evaluation.ReasonStatic}, rec)

	assert.Equal(t, StateFresh, c.State())
	assert.EqualValues(t, 1, f.Calls())
}

func TestResolve_VariantPassedThrough(t *testing.T) {
	f := testutil.NewFetcher(map[string]evaluation.Stored{
		"banner": {Value: "spring", Variant: evaluation.Variant("seasonal")},
	})
	c, _, _ := newTestCache(t, f)
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())

	rec := c.Resolve("banner", "default", ctxA)
	require.NotNil(t, rec.Variant)
	assert.Equal(t, "seasonal", *rec.Variant)
	assert.Equal(t, "spring", rec.Value)
}

func TestResolve_ExpiredIsStaleAndRefreshesOnce(t *testing.T) {
	f := testutil.NewFetcher(darkMode())
	c, _, clock := newTestCache(t, f)
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())

	gate := f.Block()
	clock.Advance(time.Second) // exactly at the deadline counts as expired

	for i := 0; i < 10; i++ {
		rec := c.Resolve("dark-mode", false, ctxA)
		assert.Equal(t, evaluation.ReasonStale, rec.Reason)
		assert.Equal(t, true, rec.Value)
	}
	assert.Equal(t, StateStale, c.State())

	f.Set(map[string]evaluation.Stored{"dark-mode": {Value: false}}, nil)
	f.Unblock(gate)
	c.Wait()

	assert.EqualValues(t, 2, f.Calls(), "one initial fetch plus exactly one background refresh")

	rec := c.Resolve("dark-mode", true, ctxA)
	assert.Equal(t, evaluation.ReasonCached, rec.Reason)
	assert.Equal(t, false, rec.Value)
	assert.Equal(t, StateFresh, c.State())
}

func TestResolve_StaleRefreshFailureKeepsSnapshot(t *testing.T) {
	f := testutil.NewFetcher(darkMode())
	c, _, clock := newTestCache(t, f)
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())
	before := c.Snapshot()

	f.Set(nil, errDown)
	clock.Advance(2 * time.Second)

	rec := c.Resolve("dark-mode", false, ctxA)
	assert.Equal(t, evaluation.Record{Value: true, Reason: evaluation.ReasonStale}, rec)
	c.Wait()

	assert.Same(t, before, c.Snapshot(), "failed refresh must leave the snapshot untouched")
	assert.Equal(t, StateStale, c.State())

	// the next stale resolve retries
	rec = c.Resolve("dark-mode", false, ctxA)
	assert.Equal(t, evaluation.ReasonStale, rec.Reason)
	c.Wait()
	assert.EqualValues(t, 3, f.Calls())
}

func TestResolve_StaleRefreshUsesCallerContext(t *testing.T) {
	f := testutil.NewFetcher(darkMode())
	c, _, clock := newTestCache(t, f)
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())

	clock.Advance(time.Minute)
	ctxB := evaluation.Context{TargetingKey: "user-b"}
	c.Resolve("dark-mode", false, ctxB)
	c.Wait()

	contexts := f.Contexts()
	require.Len(t, contexts, 2)
	assert.True(t, contexts[1].Equal(ctxB))
}

func TestResolve_ObjectValueIsCopied(t *testing.T) {
	f := testutil.NewFetcher(map[string]evaluation.Stored{
		"limits": {Value: map[string]any{"max": 3.0}},
	})
	c, l, _ := newTestCache(t, f)
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())

	first := c.Resolve("limits", nil, ctxA)
	first.Value.(map[string]any)["max"] = 999.0

	second := c.Resolve("limits", nil, ctxA)
	assert.Equal(t, map[string]any{"max": 3.0}, second.Value)

	second.Value.(map[string]any)["max"] = 42.0
	for _, rec := range l.All() {
		assert.Equal(t, map[string]any{"max": 3.0}, rec.Value, "ledger entry must not follow caller mutations")
	}
	stored, _ := c.Snapshot().Lookup("limits")
	assert.Equal(t, map[string]any{"max": 3.0}, stored.Value)
}

func TestResolve_RecordsEveryBranchInLedger(t *testing.T) {
	f := testutil.NewFetcher(darkMode())
	c, l, clock := newTestCache(t, f)

	c.Resolve("dark-mode", false, ctxA) // STATIC: not fetched yet
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())
	c.Resolve("new-ui", "off", ctxA) // STATIC: absent
	c.Resolve("dark-mode", false, ctxA)
	clock.Advance(time.Minute)
	f.Set(nil, errDown)
	c.Resolve("dark-mode", false, ctxA) // STALE
	c.Wait()

	got := map[string]evaluation.Reason{}
	var keys []string
	for k, r := range l.All() {
		keys = append(keys, k)
		got[k] = r.Reason
	}
	assert.Equal(t, []string{"dark-mode", "new-ui"}, keys)
	assert.Equal(t, evaluation.ReasonStale, got["dark-mode"])
	assert.Equal(t, evaluation.ReasonStatic, got["new-ui"])
}

func TestInitialize_FailureLeavesEmpty(t *testing.T) {
	f := testutil.NewFetcher(nil)
	f.Fail(errDown)
	c, _, _ := newTestCache(t, f)

	c.Initialize(context.Background(), ctxA)
	assert.Equal(t, StateEmpty, c.State())

	rec := c.Resolve("dark-mode", false, ctxA)
	assert.Equal(t, evaluation.ReasonStatic, rec.Reason)
	assert.EqualValues(t, 1, f.Calls(), "a STATIC resolve never triggers a fetch")
}

func TestRefresh_ResetsDeadline(t *testing.T) {
	f := testutil.NewFetcher(darkMode())
	c, _, clock := newTestCache(t, f)
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())

	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, StateStale, c.State())

	require.NoError(t, c.Refresh(context.Background(), ctxA))
	assert.Equal(t, StateFresh, c.State())
	assert.Equal(t, clock.Now().Add(time.Second), c.Snapshot().ExpiresAt)
}

func TestRefresh_FailureLeavesDeadline(t *testing.T) {
	f := testutil.NewFetcher(darkMode())
	c, _, clock := newTestCache(t, f)
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())
	deadline := c.Snapshot().ExpiresAt

	f.Set(nil, errDown)
	clock.Advance(100 * time.Millisecond)
	assert.ErrorIs(t, c.Refresh(context.Background(), ctxA), errDown)
	assert.Equal(t, deadline, c.Snapshot().ExpiresAt)
}

func TestRefresh_ReplacesWholeSnapshot(t *testing.T) {
	f := testutil.NewFetcher(map[string]evaluation.Stored{"a": {Value: 1.0}, "b": {Value: 2.0}})
	c, _, _ := newTestCache(t, f)
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())

	f.Set(map[string]evaluation.Stored{"b": {Value: 3.0}}, nil)
	require.NoError(t, c.Refresh(context.Background(), ctxA))

	assert.Equal(t, evaluation.ReasonStatic, c.Resolve("a", 0.0, ctxA).Reason)
	assert.Equal(t, 3.0, c.Resolve("b", 0.0, ctxA).Value)
}

func TestRefresh_ConcurrentCallsShareOneFetch(t *testing.T) {
	f := testutil.NewFetcher(darkMode())
	c, _, _ := newTestCache(t, f)
	gate := f.Block()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Refresh(context.Background(), ctxA))
		}()
	}

	require.Eventually(t, func() bool { return f.Calls() == 1 }, time.Second, time.Millisecond)
	// give the remaining callers a chance to join the in-flight call
	time.Sleep(20 * time.Millisecond)
	f.Unblock(gate)
	wg.Wait()

	assert.EqualValues(t, 1, f.Calls())
	assert.Equal(t, StateFresh, c.State())
}

func TestClear_DiscardsInFlightRefresh(t *testing.T) {
	f := testutil.NewFetcher(darkMode())
	c, _, _ := newTestCache(t, f)
	gate := f.Block()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Refresh(context.Background(), ctxA) }()
	require.Eventually(t, func() bool { return f.Calls() == 1 }, time.Second, time.Millisecond)

	c.Clear()
	f.Unblock(gate)

	assert.ErrorIs(t, <-errCh, ErrSuperseded)
	assert.Equal(t, StateEmpty, c.State())
	assert.Equal(t, evaluation.ReasonStatic, c.Resolve("dark-mode", false, ctxA).Reason)
}

func TestClear_HungRefreshDoesNotBlockNextContext(t *testing.T) {
	ctxB := evaluation.Context{TargetingKey: "user-b"}
	f := testutil.NewFetcher(darkMode())
	c, _, clock := newTestCache(t, f)
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())

	gate := f.BlockFor(ctxA.TargetingKey)
	defer f.Unblock(gate)
	clock.Advance(time.Second)
	require.Equal(t, evaluation.ReasonStale, c.Resolve("dark-mode", false, ctxA).Reason)
	require.Eventually(t, func() bool { return f.Calls() == 2 }, time.Second, time.Millisecond)

	// switch context while the refresh for user-a is still hanging
	c.Clear()
	require.NoError(t, c.Refresh(context.Background(), ctxB))
	clock.Advance(time.Second)

	rec := c.Resolve("dark-mode", false, ctxB)
	assert.Equal(t, evaluation.ReasonStale, rec.Reason)
	require.Eventually(t, func() bool { return f.Calls() == 4 }, 500*time.Millisecond, time.Millisecond,
		"stale resolve under the new context must schedule its own refresh")
	assert.Equal(t, ctxB, f.LastContext())
	require.Eventually(t, func() bool { return c.State() == StateFresh }, 500*time.Millisecond, time.Millisecond)
}

func TestClear_EmptiesSnapshotOnly(t *testing.T) {
	f := testutil.NewFetcher(darkMode())
	c, l, _ := newTestCache(t, f)
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())
	c.Resolve("dark-mode", false, ctxA)

	c.Clear()

	assert.Nil(t, c.Snapshot())
	assert.Equal(t, 1, l.Len(), "clearing the cache must not touch the ledger")
}

func TestSubscribe_ReceivesReplacementsAndClears(t *testing.T) {
	f := testutil.NewFetcher(darkMode())
	c, _, _ := newTestCache(t, f)
	updates, unsub := c.Subscribe()
	defer unsub()

	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())
	assert.Equal(t, c.Snapshot().ETag, <-updates)

	c.Clear()
	assert.Equal(t, "", <-updates)
}

func TestClose_StopsBackgroundRefreshes(t *testing.T) {
	f := testutil.NewFetcher(darkMode())
	c, _, clock := newTestCache(t, f)
	c.Initialize(context.Background(), ctxA)
	require.Equal(t, StateFresh, c.State())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	clock.Advance(time.Minute)
	rec := c.Resolve("dark-mode", false, ctxA)

	assert.Equal(t, evaluation.ReasonStale, rec.Reason)
	assert.EqualValues(t, 1, f.Calls())
}

func TestNew_InvalidDurationsFallBackToDefaults(t *testing.T) {
	c := New(testutil.NewFetcher(nil), ledger.New(), WithTTL(0), WithFetchTimeout(-time.Second))
	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, DefaultFetchTimeout, c.fetchTimeout)
}
