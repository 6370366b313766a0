/**
 * @description
 * Periodic wallet-cache reconciliation. The ledger fold is the only canonical
 * balance; the `wallet_balance` column is a display cache that every workflow
 * rewrites inside its own transaction. This sweep is the safety net: it finds
 * users whose cache disagrees with the fold, logs the drift, and rewrites the
 * cache from the ledger. It never touches the ledger itself.
 */

package app

import (
	"context"
	"log"

	"github.com/soshly/wallet-service/internal/store"
)

// ReconcileWalletCaches compares every cached wallet balance against the
// ledger fold and repairs mismatches. Returns the number of repaired caches.
func (s *Service) ReconcileWalletCaches(ctx context.Context) (int, error) {
	drifts, err := s.store.ListWalletDrift(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, d := range drifts {
		log.Printf("level=warn component=reconcile msg=\"wallet cache drift detected\" user_id=%s cached=%d ledger=%d", d.UserID, d.Cached, d.Ledger)
		// The cache write is re-validated against the fold inside its own
		// transaction, so a workflow racing this sweep cannot be clobbered
		// with a stale value.
		err := s.store.RunAtomic(ctx, func(ctx context.Context, r store.Repository) error {
			ledger, err := r.BalanceOf(ctx, d.UserID)
			if err != nil {
				return err
			}
			return r.UpdateWalletBalanceCache(ctx, d.UserID, ledger)
		})
		if err != nil {
			log.Printf("level=error component=reconcile msg=\"wallet cache repair failed\" user_id=%s err=%v", d.UserID, err)
			continue
		}
		repaired++
	}

	if repaired > 0 {
		log.Printf("level=info component=reconcile msg=\"wallet caches repaired\" count=%d", repaired)
	}
	return repaired, nil
}
