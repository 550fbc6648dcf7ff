package dht

import (
	"sort"
	"time"
)

// BucketCount is the fixed depth of the routing table: one bucket per
// possible bit-length of the XOR distance to the local key.
const BucketCount = KeySize * 8

// bucket is an ordered sequence of up to K entries. Order is insertion
// order; there is no pending list. Oldest sits at the front, newest at
// the back.
type bucket struct {
	entries []*Entry
}

func (b *bucket) indexOf(peer PeerID) int {
	for i, e := range b.entries {
		if e.PeerID == peer {
			return i
		}
	}
	return -1
}

// KBucketTable is the in-memory routing table keyed by XOR distance. It
// is owned exclusively by one goroutine (MainLoop) per the design notes:
// read-only views are produced by snapshotting, never by sharing
// references, so the table itself carries no internal locking.
type KBucketTable struct {
	local    PeerID
	localKey Key
	buckets  [BucketCount]*bucket
	size     int
	k        int
}

// NewKBucketTable creates an empty table rooted at the local PeerID.
func NewKBucketTable(local PeerID) *KBucketTable {
	t := &KBucketTable{local: local, localKey: KeyFromPeerID(local)}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

// bucketIndex returns the index of the bucket a key belongs in relative
// to the local key, or -1 for the local key itself (distance 0, which is
// never stored in any bucket).
func (t *KBucketTable) bucketIndex(k Key) int {
	d := xor(t.localKey, k)
	bitLen := d.bitLen()
	if bitLen == 0 {
		return -1
	}
	return BucketCount - bitLen
}

// InsertOrUpdate merges addrs and refreshes aliveness if peer already has
// an Entry. Otherwise it computes the entry's bucket and either appends
// (room available), replaces the oldest stale entry (bucket full, a
// candidate is past staleReplaceThreshold), or rejects with Full (bucket
// full, every entry still fresh). Self-entries are rejected.
func (t *KBucketTable) InsertOrUpdate(peer PeerID, addrs []string, now time.Time, staleReplaceThreshold time.Duration) Outcome {
	if peer == t.local {
		return Outcome{Kind: OutcomeFull}
	}

	key := KeyFromPeerID(peer)
	idx := t.bucketIndex(key)
	if idx < 0 {
		return Outcome{Kind: OutcomeFull}
	}
	b := t.buckets[idx]

	if i := b.indexOf(peer); i >= 0 {
		e := b.entries[i]
		for _, a := range addrs {
			e.Addrs[a] = struct{}{}
		}
		e.AlivenessTs = now
		return Outcome{Kind: OutcomeUpdated}
	}

	k := t.kForBucket()
	if len(b.entries) < k {
		b.entries = append(b.entries, newEntry(peer, addrs, now))
		t.size++
		return Outcome{Kind: OutcomeAdded}
	}

	for i, e := range b.entries {
		if now.Sub(e.AlivenessTs) > staleReplaceThreshold {
			old := e.PeerID
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entries = append(b.entries, newEntry(peer, addrs, now))
			return Outcome{Kind: OutcomeReplaced, OldPeer: old}
		}
	}

	return Outcome{Kind: OutcomeFull}
}

// kForBucket returns the configured bucket capacity. Stored per-table so
// tests can exercise small buckets without touching global state.
func (t *KBucketTable) kForBucket() int {
	if t.k == 0 {
		return 20
	}
	return t.k
}

// SetK configures bucket capacity (default 20 applies if never called).
func (t *KBucketTable) SetK(k int) { t.k = k }

// Remove deletes peer's Entry if present, returning it.
func (t *KBucketTable) Remove(peer PeerID) (*Entry, bool) {
	if peer == t.local {
		return nil, false
	}
	idx := t.bucketIndex(KeyFromPeerID(peer))
	if idx < 0 {
		return nil, false
	}
	b := t.buckets[idx]
	i := b.indexOf(peer)
	if i < 0 {
		return nil, false
	}
	e := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	t.size--
	return e, true
}

// UpdateAliveness refreshes peer's aliveness_ts to now. No-op if absent.
func (t *KBucketTable) UpdateAliveness(peer PeerID, now time.Time) {
	idx := t.bucketIndex(KeyFromPeerID(peer))
	if idx < 0 {
		return
	}
	b := t.buckets[idx]
	if i := b.indexOf(peer); i >= 0 {
		b.entries[i].AlivenessTs = now
	}
}

// SetConnectionState updates peer's connection_state hint if present.
func (t *KBucketTable) SetConnectionState(peer PeerID, state ConnectionState) {
	idx := t.bucketIndex(KeyFromPeerID(peer))
	if idx < 0 {
		return
	}
	b := t.buckets[idx]
	if i := b.indexOf(peer); i >= 0 {
		b.entries[i].ConnectionState = state
	}
}

// SetStatus updates peer's connected/disconnected Status if present.
func (t *KBucketTable) SetStatus(peer PeerID, status Status) {
	idx := t.bucketIndex(KeyFromPeerID(peer))
	if idx < 0 {
		return
	}
	b := t.buckets[idx]
	if i := b.indexOf(peer); i >= 0 {
		b.entries[i].Status = status
	}
}

// Get returns peer's Entry if present.
func (t *KBucketTable) Get(peer PeerID) (*Entry, bool) {
	idx := t.bucketIndex(KeyFromPeerID(peer))
	if idx < 0 {
		return nil, false
	}
	b := t.buckets[idx]
	if i := b.indexOf(peer); i >= 0 {
		return b.entries[i], true
	}
	return nil, false
}

// Closest returns up to count peers ordered by ascending XOR distance to
// target. It walks buckets outward from target's own bucket index in
// both directions until at least count candidates are gathered, then
// sorts the gathered set by distance and truncates.
func (t *KBucketTable) Closest(target Key, count int) []PeerID {
	startIdx := t.bucketIndex(target)
	if startIdx < 0 {
		startIdx = 0
	}

	var candidates []*Entry
	for radius := 0; radius < BucketCount && len(candidates) < count; radius++ {
		if radius == 0 {
			candidates = append(candidates, t.buckets[startIdx].entries...)
			continue
		}
		if lo := startIdx - radius; lo >= 0 {
			candidates = append(candidates, t.buckets[lo].entries...)
		}
		if hi := startIdx + radius; hi < BucketCount {
			candidates = append(candidates, t.buckets[hi].entries...)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := xor(KeyFromPeerID(candidates[i].PeerID), target)
		dj := xor(KeyFromPeerID(candidates[j].PeerID), target)
		if di == dj {
			return candidates[i].PeerID < candidates[j].PeerID
		}
		return di.less(dj)
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	out := make([]PeerID, len(candidates))
	for i, e := range candidates {
		out[i] = e.PeerID
	}
	return out
}

// IterStale returns peers whose aliveness is older than threshold,
// candidates for the periodic health check.
func (t *KBucketTable) IterStale(now time.Time, threshold time.Duration) []PeerID {
	var out []PeerID
	for _, b := range t.buckets {
		for _, e := range b.entries {
			if now.Sub(e.AlivenessTs) > threshold {
				out = append(out, e.PeerID)
			}
		}
	}
	return out
}

// Snapshot returns a read-only copy of every stored Entry, for dump/debug.
func (t *KBucketTable) Snapshot() []Entry {
	out := make([]Entry, 0, t.size)
	for _, b := range t.buckets {
		for _, e := range b.entries {
			cp := *e
			cp.Addrs = make(map[string]struct{}, len(e.Addrs))
			for a := range e.Addrs {
				cp.Addrs[a] = struct{}{}
			}
			out = append(out, cp)
		}
	}
	return out
}

// Size returns the total number of stored entries.
func (t *KBucketTable) Size() int { return t.size }

// BucketSize returns the occupancy of the bucket at idx, for stats.
func (t *KBucketTable) BucketSize(idx int) int {
	if idx < 0 || idx >= BucketCount {
		return 0
	}
	return len(t.buckets[idx].entries)
}

// LastTouched reports the aliveness of the most-recently-touched entry in
// bucket idx, used by the refresh scheduler to decide whether the bucket
// needs a random-target lookup.
func (t *KBucketTable) LastTouched(idx int) (time.Time, bool) {
	if idx < 0 || idx >= BucketCount {
		return time.Time{}, false
	}
	b := t.buckets[idx]
	if len(b.entries) == 0 {
		return time.Time{}, false
	}
	latest := b.entries[0].AlivenessTs
	for _, e := range b.entries[1:] {
		if e.AlivenessTs.After(latest) {
			latest = e.AlivenessTs
		}
	}
	return latest, true
}

// LocalKey returns the table's local routing key.
func (t *KBucketTable) LocalKey() Key { return t.localKey }

// LocalPeerID returns the table's local PeerID.
func (t *KBucketTable) LocalPeerID() PeerID { return t.local }
