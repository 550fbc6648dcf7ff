package persistence

import (
	"context"
	"time"

	"github.com/shadowmesh/kaddht/pkg/logging"
)

// Sweeper is implemented by any RecordStore capable of purging its own
// expired rows on demand. *PostgresStore satisfies this directly.
type Sweeper interface {
	SweepExpired() (recordsPurged, providersPurged int, err error)
}

// RunGC ticks every interval and sweeps store, logging what it purges.
// Grounded on the teacher's "check on every tick, act if due" pattern
// (pkg/logging/logger.go's rotateIfNeeded); runs until ctx is cancelled.
func RunGC(ctx context.Context, store Sweeper, interval time.Duration, log *logging.Logger) {
	if log == nil {
		log = logging.GetDefaultLogger()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, providers, err := store.SweepExpired()
			if err != nil {
				log.Error("record store GC sweep failed", logging.Fields{"error": err.Error()})
				continue
			}
			if records > 0 || providers > 0 {
				log.Info("record store GC sweep complete", logging.Fields{
					"records_purged": records, "providers_purged": providers,
				})
			}
		}
	}
}
