package dht

import "time"

// Config carries the tunables named in the external-interfaces section:
// K, ALPHA, BETA, RefreshInterval, RpcTimeout, QueryDeadline,
// StaleReplaceThreshold, StaleEvictThreshold, RecordTtl, ProviderTtl,
// ProtocolIds.
type Config struct {
	// K is the bucket capacity and the target shortlist width.
	K int
	// Alpha is the number of concurrent in-flight RPCs per query.
	Alpha int
	// Beta is the number of consecutive no-improvement rounds that
	// terminate a query.
	Beta int
	// KPut is the number of acks a PutValue/AddProvider write needs
	// before it is considered successful.
	KPut int
	// Q is the number of confirming GetValue replies needed before a
	// query may short-circuit-terminate.
	Q int

	RefreshInterval time.Duration
	RpcTimeout      time.Duration
	QueryDeadline   time.Duration

	// StaleReplaceThreshold is how old an entry's aliveness must be
	// before it becomes a candidate for replacement in a full bucket.
	StaleReplaceThreshold time.Duration
	// StaleEvictThreshold is how old an entry's aliveness must be
	// before the periodic health check evicts it outright.
	StaleEvictThreshold time.Duration
	// EvictGrace is the minimum aliveness age a freshly-added peer must
	// reach before a single failed RPC is allowed to evict it.
	EvictGrace time.Duration

	RecordTtl   time.Duration
	ProviderTtl time.Duration

	ProtocolIds []string
}

// DefaultConfig returns the defaults named throughout the spec: K=20,
// ALPHA=3, BETA=3, 10-minute refresh, 10s RPC timeout, 60s query
// deadline, 10-minute replacement threshold, 1-hour health-check
// threshold.
func DefaultConfig() Config {
	return Config{
		K:                     20,
		Alpha:                 3,
		Beta:                  3,
		KPut:                  3,
		Q:                     1,
		RefreshInterval:       10 * time.Minute,
		RpcTimeout:            10 * time.Second,
		QueryDeadline:         60 * time.Second,
		StaleReplaceThreshold: 10 * time.Minute,
		StaleEvictThreshold:   1 * time.Hour,
		EvictGrace:            10 * time.Minute,
		RecordTtl:             36 * time.Hour,
		ProviderTtl:           24 * time.Hour,
		ProtocolIds:           []string{"/ipfs/kad/1.0.0"},
	}
}
