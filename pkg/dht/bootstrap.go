package dht

import (
	"context"
	"fmt"
	"time"

	"github.com/shadowmesh/kaddht/pkg/logging"
)

// BootstrapConfig controls the startup bootstrap attempt.
type BootstrapConfig struct {
	Seeds         []PeerID
	RetryInterval time.Duration
	MaxAttempts   int
}

// DefaultBootstrapConfig mirrors the retry/backoff shape used elsewhere in
// the node for reconnect loops: a fixed interval, bounded attempt count.
func DefaultBootstrapConfig(seeds []PeerID) BootstrapConfig {
	return BootstrapConfig{
		Seeds:         seeds,
		RetryInterval: 5 * time.Second,
		MaxAttempts:   10,
	}
}

// RunBootstrap seeds the routing table from cfg.Seeds and repeatedly runs
// the self-lookup until it returns at least one peer, the context is
// cancelled, or MaxAttempts is exhausted.
func RunBootstrap(ctx context.Context, ctrl *Controller, cfg BootstrapConfig, log *logging.Logger) error {
	if log == nil {
		log = logging.GetDefaultLogger()
	}
	if len(cfg.Seeds) == 0 {
		return fmt.Errorf("dht: bootstrap requires at least one seed peer")
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		peers, err := ctrl.Bootstrap(ctx, cfg.Seeds)
		if err == nil && len(peers) > 0 {
			log.Info("bootstrap complete", logging.Fields{"attempt": attempt + 1, "peers_found": len(peers)})
			return nil
		}
		lastErr = err
		log.Warn("bootstrap attempt failed, retrying", logging.Fields{
			"attempt": attempt + 1, "max_attempts": cfg.MaxAttempts, "error": errString(err),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}

	return fmt.Errorf("dht: bootstrap exhausted %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
