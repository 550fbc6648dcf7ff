package dht

import (
	"testing"
	"time"
)

func TestMapRecordStorePutGetRoundTrip(t *testing.T) {
	s := NewMapRecordStore()
	key := KeyFromBytes([]byte("k1"))
	rec := Record{Key: key, Value: []byte("v1"), TimeReceived: time.Now()}

	if err := s.Put(key, rec, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, ok, err := s.Get(key)
	if err != nil || !ok {
		t.Fatalf("expected record present, got ok=%v err=%v", ok, err)
	}
	if string(got.Value) != "v1" {
		t.Fatalf("expected value v1, got %q", got.Value)
	}
}

func TestMapRecordStoreGetExpiresOnRead(t *testing.T) {
	s := NewMapRecordStore()
	key := KeyFromBytes([]byte("k2"))
	rec := Record{Key: key, Value: []byte("v2"), TimeReceived: time.Now()}

	if err := s.Put(key, rec, -time.Second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	_, ok, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected already-expired record to read as absent")
	}
}

func TestMapRecordStoreAddProviderUpdatesExisting(t *testing.T) {
	s := NewMapRecordStore()
	key := KeyFromBytes([]byte("k3"))

	if err := s.AddProvider(key, ProviderInfo{PeerID: "p1", Addrs: []string{"/ip4/1.1.1.1/udp/1"}}, time.Minute); err != nil {
		t.Fatalf("AddProvider failed: %v", err)
	}
	if err := s.AddProvider(key, ProviderInfo{PeerID: "p1", Addrs: []string{"/ip4/2.2.2.2/udp/2"}}, time.Minute); err != nil {
		t.Fatalf("AddProvider (update) failed: %v", err)
	}

	providers, err := s.Providers(key)
	if err != nil {
		t.Fatalf("Providers failed: %v", err)
	}
	if len(providers) != 1 {
		t.Fatalf("expected a single deduplicated provider entry, got %d", len(providers))
	}
	if providers[0].Addrs[0] != "/ip4/2.2.2.2/udp/2" {
		t.Fatalf("expected the updated addr to win, got %v", providers[0].Addrs)
	}
}

func TestMapRecordStoreProvidersExcludesExpired(t *testing.T) {
	s := NewMapRecordStore()
	key := KeyFromBytes([]byte("k4"))

	_ = s.AddProvider(key, ProviderInfo{PeerID: "live"}, time.Minute)
	_ = s.AddProvider(key, ProviderInfo{PeerID: "dead"}, -time.Second)

	providers, err := s.Providers(key)
	if err != nil {
		t.Fatalf("Providers failed: %v", err)
	}
	if len(providers) != 1 || providers[0].PeerID != "live" {
		t.Fatalf("expected only the live provider, got %v", providers)
	}
}

func TestMapRecordStoreSweepExpiredPurgesBoth(t *testing.T) {
	s := NewMapRecordStore()
	recKey := KeyFromBytes([]byte("sweep-record"))
	provKey := KeyFromBytes([]byte("sweep-provider"))

	_ = s.Put(recKey, Record{Key: recKey, Value: []byte("x")}, -time.Second)
	_ = s.AddProvider(provKey, ProviderInfo{PeerID: "gone"}, -time.Second)
	_ = s.AddProvider(provKey, ProviderInfo{PeerID: "stays"}, time.Minute)

	records, providers := s.sweepExpired(time.Now())
	if records != 1 {
		t.Fatalf("expected 1 expired record purged, got %d", records)
	}
	if providers != 1 {
		t.Fatalf("expected 1 expired provider purged, got %d", providers)
	}

	remaining, err := s.Providers(provKey)
	if err != nil {
		t.Fatalf("Providers failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].PeerID != "stays" {
		t.Fatalf("expected the live provider to survive the sweep, got %v", remaining)
	}
}
