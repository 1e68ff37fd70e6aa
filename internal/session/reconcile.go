package session

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/lightfoot/internal/cache"
	"github.com/TimurManjosov/lightfoot/internal/evaluation"
	"github.com/TimurManjosov/lightfoot/internal/ledger"
	"github.com/TimurManjosov/lightfoot/internal/logging"
)

// Reconciler keeps the cache and ledger consistent with the evaluation
// context the host is currently using.
type Reconciler struct {
	cache  *cache.Cache
	ledger *ledger.Ledger
	log    zerolog.Logger
}

// NewReconciler returns a reconciler for c and l.
func NewReconciler(c *cache.Cache, l *ledger.Ledger, log zerolog.Logger) *Reconciler {
	return &Reconciler{cache: c, ledger: l, log: logging.Component(log, "reconciler")}
}

// OnContextChange does nothing when oldCtx and newCtx are structurally
// equal. Otherwise it clears the snapshot and the ledger, then issues
// exactly one fetch under newCtx.
//
// When that fetch fails the snapshot stays cleared: resolves fall back to
// STATIC defaults rather than serving values computed for oldCtx. The error
// is logged and returned for information only.
func (r *Reconciler) OnContextChange(ctx context.Context, oldCtx, newCtx evaluation.Context) error {
	if oldCtx.Equal(newCtx) {
		return nil
	}

	r.cache.Clear()
	r.ledger.Clear()

	if err := r.cache.RefreshFor(ctx, newCtx, cache.TriggerContextChange); err != nil {
		r.log.Warn().Err(err).
			Str("from", oldCtx.Fingerprint()).
			Str("to", newCtx.Fingerprint()).
			Msg("context change fetch failed, serving defaults")
		return err
	}

	r.log.Debug().
		Str("from", oldCtx.Fingerprint()).
		Str("to", newCtx.Fingerprint()).
		Msg("context changed")
	return nil
}
