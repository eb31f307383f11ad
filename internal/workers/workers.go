package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"marginaliaAPI/internal/store"
)

// ledgerRetention keeps processed event ids long enough to absorb any
// provider redelivery window before letting them go.
const ledgerRetention = 30 * 24 * time.Hour

// StartLedgerPruneWorker starts a background routine that trims old entries
// from the webhook event ledger so the table stays small.
func StartLedgerPruneWorker(st *store.Store) {
	ticker := time.NewTicker(1 * time.Hour)

	go func() {
		for range ticker.C {
			pruneLedger(st)
		}
	}()
}

func pruneLedger(st *store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-ledgerRetention).UnixMilli()
	pruned, err := st.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("failed to prune event ledger")
		return
	}
	if pruned > 0 {
		log.Info().Int64("events", pruned).Msg("pruned event ledger")
	}
}
