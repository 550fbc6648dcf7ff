package dht

import (
	"context"
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/pkg/dht/wire"
)

// stubStream answers every RPC with an empty FIND_NODE reply (no closer
// peers), simulating a reachable-but-empty remote.
type stubStream struct{}

func (stubStream) SendFrame(frame []byte) error { return nil }
func (stubStream) RecvFrame() ([]byte, error) {
	return wire.EncodeMessage(&wire.Message{Type: wire.MsgFindNode})
}
func (stubStream) Close() error { return nil }

type stubHost struct {
	local  PeerID
	events chan HostEvent
}

func newStubHost(local PeerID) *stubHost {
	return &stubHost{local: local, events: make(chan HostEvent, 1)}
}

func (h *stubHost) OpenStream(ctx context.Context, peer PeerID, protocolID string) (Stream, error) {
	return stubStream{}, nil
}
func (h *stubHost) Events() <-chan HostEvent { return h.events }
func (h *stubHost) LocalPeerID() PeerID      { return h.local }

func TestRunBootstrapRequiresSeeds(t *testing.T) {
	ctrl, _ := startTestLoop(t)
	err := RunBootstrap(context.Background(), ctrl, BootstrapConfig{RetryInterval: time.Millisecond, MaxAttempts: 1}, nil)
	if err == nil {
		t.Fatalf("expected error for empty seed list")
	}
}

func TestRunBootstrapSucceedsWhenSeedIsReachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefreshInterval = time.Hour
	cfg.StaleEvictThreshold = time.Hour
	loop := NewMainLoop(cfg, "local", newStubHost("local"), NewMapRecordStore(), nil)
	go loop.Run()
	t.Cleanup(loop.Stop)
	ctrl := NewController(loop)

	bcfg := BootstrapConfig{Seeds: []PeerID{"seed-a"}, RetryInterval: time.Millisecond, MaxAttempts: 3}
	err := RunBootstrap(context.Background(), ctrl, bcfg, nil)
	if err != nil {
		t.Fatalf("expected bootstrap to succeed once the seed answers, got %v", err)
	}
}

func TestRunBootstrapRespectsContextCancellation(t *testing.T) {
	ctrl, loop := startTestLoop(t)
	_ = loop

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := BootstrapConfig{Seeds: []PeerID{"seed-a"}, RetryInterval: time.Hour, MaxAttempts: 5}
	err := RunBootstrap(ctx, ctrl, cfg, nil)
	if err == nil {
		t.Fatalf("expected error from cancelled context")
	}
}

// randomTargetInBucket must always produce a key whose XOR distance from
// local actually falls in bucket idx, across the full bucket range.
func TestRandomTargetInBucketMembership(t *testing.T) {
	local := KeyFromPeerID("local-node")
	table := NewKBucketTable("local-node")

	for idx := 0; idx < BucketCount; idx += 7 {
		target := randomTargetInBucket(local, idx)
		got := table.bucketIndex(target)
		if got != idx {
			t.Fatalf("bucket %d: randomTargetInBucket produced key landing in bucket %d", idx, got)
		}
	}
}
