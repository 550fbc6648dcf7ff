package dht

import (
	"context"
	"testing"
	"time"
)

func startTestLoop(t *testing.T) (*Controller, *MainLoop) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RefreshInterval = time.Hour
	cfg.StaleEvictThreshold = time.Hour
	host := newFakeHost("local")
	loop := NewMainLoop(cfg, "local", host, NewMapRecordStore(), nil)
	go loop.Run()
	t.Cleanup(loop.Stop)
	return NewController(loop), loop
}

func TestControllerAddAddressAndDump(t *testing.T) {
	ctrl, _ := startTestLoop(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := ctrl.AddAddress(ctx, "peer-a", []string{"/ip4/1.2.3.4/udp/4001"}); err != nil {
		t.Fatalf("AddAddress failed: %v", err)
	}

	dump, err := ctrl.Dump(ctx)
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if len(dump.Entries) != 1 || dump.Entries[0].PeerID != "peer-a" {
		t.Fatalf("expected peer-a in dump, got %+v", dump.Entries)
	}
}

func TestControllerStatsReflectsAddedPeer(t *testing.T) {
	ctrl, _ := startTestLoop(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = ctrl.AddAddress(ctx, "peer-a", []string{"/ip4/1.2.3.4/udp/4001"})
	_ = ctrl.AddAddress(ctx, "peer-b", []string{"/ip4/1.2.3.5/udp/4001"})

	stats, err := ctrl.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TableSize != 2 {
		t.Fatalf("expected table size 2, got %d", stats.TableSize)
	}
}

func TestControllerRemovePeer(t *testing.T) {
	ctrl, _ := startTestLoop(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = ctrl.AddAddress(ctx, "peer-a", []string{"/ip4/1.2.3.4/udp/4001"})
	if err := ctrl.RemovePeer(ctx, "peer-a"); err != nil {
		t.Fatalf("RemovePeer failed: %v", err)
	}
	dump, err := ctrl.Dump(ctx)
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if len(dump.Entries) != 0 {
		t.Fatalf("expected empty table after removal, got %+v", dump.Entries)
	}
}

func TestControllerFindPeerNoKnownPeers(t *testing.T) {
	ctrl, _ := startTestLoop(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := ctrl.FindPeer(ctx, "ghost")
	if err == nil {
		t.Fatalf("expected error for lookup against empty table")
	}
	dhtErr, ok := err.(*Error)
	if !ok || dhtErr.Kind != NoKnownPeers {
		t.Fatalf("expected NoKnownPeers error, got %v", err)
	}
}

func TestControllerContextCancellation(t *testing.T) {
	ctrl, _ := startTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ctrl.Dump(ctx)
	if err == nil {
		t.Fatalf("expected error from cancelled context")
	}
}
